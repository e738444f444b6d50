// Package phases supplies the ordered phase catalog for a project. The
// enforcement core only asks two questions of it: does a phase after the
// current one exist, and what is it.
package phases

// Phase is one entry of the catalog.
type Phase struct {
	ID        string `yaml:"id" json:"id"`
	Objective string `yaml:"objective,omitempty" json:"objective,omitempty"`
}

// Catalog is an ordered list of phases.
type Catalog struct {
	Phases []Phase
}

// First returns the opening phase.
func (c Catalog) First() (Phase, bool) {
	if len(c.Phases) == 0 {
		return Phase{}, false
	}
	return c.Phases[0], true
}

// Next returns the phase following current. False means current is the last
// phase (or unknown), which completes the project.
func (c Catalog) Next(current string) (Phase, bool) {
	for i, p := range c.Phases {
		if p.ID == current {
			if i+1 < len(c.Phases) {
				return c.Phases[i+1], true
			}
			return Phase{}, false
		}
	}
	return Phase{}, false
}

// Contains reports whether id is in the catalog.
func (c Catalog) Contains(id string) bool {
	for _, p := range c.Phases {
		if p.ID == id {
			return true
		}
	}
	return false
}
