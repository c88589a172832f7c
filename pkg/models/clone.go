package models

// CloneSettings controls how the repository is checked out into the build
// container. Each field is tri-state: nil means "not set here, ask the next
// level". Depth stays nil even in the system default, meaning full history.
type CloneSettings struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	LFS     *bool `yaml:"lfs,omitempty" json:"lfs,omitempty"`
	Depth   *int  `yaml:"depth,omitempty" json:"depth,omitempty"`
}

// DefaultCloneSettings is the innermost level of the clone cascade. Enabled
// and LFS must be concrete here so every lookup bottoms out.
func DefaultCloneSettings() CloneSettings {
	enabled := true
	lfs := true
	return CloneSettings{Enabled: &enabled, LFS: &lfs, Depth: nil}
}
