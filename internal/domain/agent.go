// Package domain holds the core data model shared across the service.
package domain

// Agent is an immutable descriptor of a conversational persona. Agents are
// supplied by configuration at startup and never mutated at runtime.
type Agent struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Prompt      string `yaml:"prompt" json:"-"`
	Icon        string `yaml:"icon" json:"icon"`
	IsCustom    bool   `yaml:"is_custom" json:"is_custom"`
	IsDefault   bool   `yaml:"is_default" json:"is_default"`
}
