package membership

// NodeFact is the state a single worker node has announced about itself.
type NodeFact struct {
	Identity           string `json:"identity"`
	Hostname           string `json:"hostname"`
	IngressAddress     string `json:"ingress_address,omitempty"`
	PartitionName      string `json:"partition_name"`
	Inventory          string `json:"inventory,omitempty"`
	IsDefaultPartition bool   `json:"is_default_partition,omitempty"`
}

// Validate checks the fields the registry relies on.  The identity is checked
// separately since the registry keys on the announce identity, not the fact.
func (f *NodeFact) Validate() error {
	if f.Hostname == "" {
		return &InvalidFactError{Kind: "node", Field: "hostname"}
	}
	if f.PartitionName == "" {
		return &InvalidFactError{Kind: "node", Field: "partition_name"}
	}
	return nil
}
