package slurmconfig

import (
	"strings"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/partitioncalc"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"golang.org/x/exp/slices"
)

// reservedKeys are compared case-insensitively against operator settings.
var reservedKeys = map[string]struct{}{
	"nodes":                 {},
	"partitions":            {},
	"backend":               {},
	"controller":            {},
	"controlmachine":        {},
	"controladdr":           {},
	"slurmctldport":         {},
	"accountingstoragehost": {},
	"accountingstorageport": {},
	"accountingstorageloc":  {},
}

// IsReservedKey reports whether an operator setting would shadow a field the
// builder derives from cluster facts.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[strings.ToLower(key)]
	return ok
}

type BuildOptions struct {
	Nodes      []membership.NodeFact
	Partitions []*partitioncalc.Partition
	Backend    readiness.BackendFact
	Controller Controller
	Settings   map[string]string
}

// Build assembles a document from its inputs.  It has no side effects and
// never fails; the same inputs always produce an equal document.
func Build(opts *BuildOptions) *Document {
	doc := &Document{
		Controller: opts.Controller,
		Backend: Backend{
			Hostname:       opts.Backend.Hostname,
			IngressAddress: opts.Backend.IngressAddress,
			Port:           opts.Backend.Port,
		},
		Nodes:      make([]Node, 0, len(opts.Nodes)),
		Partitions: make([]Partition, 0, len(opts.Partitions)),
	}

	for _, node := range opts.Nodes {
		doc.Nodes = append(doc.Nodes, Node{
			Identity:       node.Identity,
			Hostname:       node.Hostname,
			IngressAddress: node.IngressAddress,
			Partition:      node.PartitionName,
			Inventory:      node.Inventory,
		})
	}

	for _, partition := range opts.Partitions {
		doc.Partitions = append(doc.Partitions, Partition{
			Name:      partition.Name,
			Hosts:     slices.Clone(partition.Hosts),
			IsDefault: partition.IsDefault,
		})
	}

	for key, value := range opts.Settings {
		if IsReservedKey(key) {
			doc.Shadowed = append(doc.Shadowed, key)
			continue
		}

		if doc.Settings == nil {
			doc.Settings = make(map[string]string)
		}
		doc.Settings[key] = value
	}

	// map iteration order is random
	slices.Sort(doc.Shadowed)

	return doc
}
