package slurmconfig

// The document is the structured output handed to apply collaborators.  Field
// order and tags are part of the canonical encoding, so changing them changes
// every fingerprint.

type Controller struct {
	Hostname       string `json:"hostname" yaml:"hostname"`
	IngressAddress string `json:"ingress_address" yaml:"ingress_address"`
	Port           int    `json:"port" yaml:"port"`
}

type Backend struct {
	Hostname       string `json:"hostname" yaml:"hostname"`
	IngressAddress string `json:"ingress_address" yaml:"ingress_address"`
	Port           int    `json:"port" yaml:"port"`
}

type Node struct {
	Identity       string `json:"identity" yaml:"identity"`
	Hostname       string `json:"hostname" yaml:"hostname"`
	IngressAddress string `json:"ingress_address,omitempty" yaml:"ingress_address,omitempty"`
	Partition      string `json:"partition" yaml:"partition"`
	Inventory      string `json:"inventory,omitempty" yaml:"inventory,omitempty"`
}

type Partition struct {
	Name      string   `json:"name" yaml:"name"`
	Hosts     []string `json:"hosts" yaml:"hosts"`
	IsDefault bool     `json:"is_default" yaml:"is_default"`
}

type Document struct {
	Controller Controller  `json:"controller" yaml:"controller"`
	Backend    Backend     `json:"backend" yaml:"backend"`
	Nodes      []Node      `json:"nodes" yaml:"nodes"`
	Partitions []Partition `json:"partitions" yaml:"partitions"`

	// Settings holds the operator supplied key/values.  They live in their own
	// namespace and never replace the derived fields above.
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Shadowed lists operator keys which were dropped because they name a
	// derived field.
	Shadowed []string `json:"shadowed,omitempty" yaml:"shadowed,omitempty"`
}
