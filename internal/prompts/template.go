package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var varPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// StyleTemplate wraps a subject into a full wallpaper prompt
type StyleTemplate struct {
	Name           string `json:"name" yaml:"name"`
	Content        string `json:"content" yaml:"content"`
	NegativePrompt string `json:"negative_prompt,omitempty" yaml:"negative_prompt"`
	Description    string `json:"description" yaml:"description"`
}

// TemplateEngine holds named style templates
type TemplateEngine struct {
	templates map[string]*StyleTemplate
	mu        sync.RWMutex
}

// NewTemplateEngine creates an engine preloaded with the built-in styles
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*StyleTemplate)}
	for _, t := range defaultTemplates {
		e.templates[t.Name] = &t
	}
	return e
}

// Register adds or replaces a template
func (e *TemplateEngine) Register(tmpl StyleTemplate) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if !strings.Contains(tmpl.Content, "{{subject}}") {
		return fmt.Errorf("template %q must reference {{subject}}", tmpl.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = &tmpl
	return nil
}

// Get returns a template by name
func (e *TemplateEngine) Get(name string) (*StyleTemplate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Names lists the registered template names in order
func (e *TemplateEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render fills the template's placeholders. "subject" is always available;
// vars supplies the rest. Unknown placeholders are left in place.
func (e *TemplateEngine) Render(name, subject string, vars map[string]string) (string, error) {
	tmpl, err := e.Get(name)
	if err != nil {
		return "", err
	}

	out := varPattern.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		key := varPattern.FindStringSubmatch(match)[1]
		if key == "subject" {
			return strings.TrimSpace(subject)
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
	return out, nil
}

var defaultTemplates = []StyleTemplate{
	{
		Name:        "photo",
		Content:     "{{subject}}, professional landscape photography, golden hour, sharp focus, 8k wallpaper",
		Description: "Photorealistic scenery",
	},
	{
		Name:           "painting",
		Content:        "{{subject}}, digital painting, vibrant colors, highly detailed, artstation wallpaper",
		NegativePrompt: "photo, blurry, low quality",
		Description:    "Painterly illustration",
	},
	{
		Name:           "minimal",
		Content:        "minimalist {{subject}}, flat colors, clean composition, lots of negative space, desktop wallpaper",
		NegativePrompt: "clutter, text, watermark, noisy",
		Description:    "Minimal flat design",
	},
}
