package model

// Environment is a built-in or downloadable 3D scene bundle
type Environment struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Thumbnail string `yaml:"thumbnail,omitempty"`
	Payload   string `yaml:"payload,omitempty"` // remote archive; empty for built-ins
	Value     string `yaml:"value,omitempty"`   // on-disk key; defaults to ID
}

// Key returns the value the on-disk directory is derived from
func (e Environment) Key() string {
	if e.Value != "" {
		return e.Value
	}
	return e.ID
}
