package graphdef

// File is the on-disk desired-state definition for one stack.
type File struct {
	// Version is the definition format version.
	Version int `yaml:"version" validate:"required,eq=1"`

	// Stack is the stack name this definition converges.
	Stack string `yaml:"stack" validate:"required,min=1,max=255"`

	// Entities declares the desired entities and their dependencies.
	Entities []EntityDef `yaml:"entities" validate:"dive"`
}

// EntityDef is one declared entity in a definition file.
type EntityDef struct {
	// Name is the logical name, unique within the file.
	Name string `yaml:"name" validate:"required,min=1,max=255"`

	// Type selects the handler, e.g. "sim.instance".
	Type string `yaml:"type" validate:"required,min=1,max=255"`

	// Properties is the desired configuration.
	Properties map[string]interface{} `yaml:"properties,omitempty"`

	// Requires lists logical names this entity depends on.
	Requires []string `yaml:"requires,omitempty" validate:"dive,required"`
}
