package partitioncalc

import (
	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/utils/sliceutils"
)

type Partition struct {
	Name      string
	Hosts     []string
	IsDefault bool
}

// CalcPartitions groups a registry snapshot by partition.  Partitions are
// ordered by first appearance and hosts keep snapshot (join) order, so equal
// membership always produces an equal result.
func CalcPartitions(nodes []membership.NodeFact) []*Partition {
	var partitions []*Partition
	byName := make(map[string]*Partition)

	for _, node := range nodes {
		partition := byName[node.PartitionName]
		if partition == nil {
			partition = &Partition{
				Name: node.PartitionName,
			}
			byName[node.PartitionName] = partition
			partitions = append(partitions, partition)
		}

		partition.Hosts = sliceutils.AppendUnique(partition.Hosts, node.Hostname)

		// default-ness belongs to the partition, any member may assert it
		partition.IsDefault = partition.IsDefault || node.IsDefaultPartition
	}

	return partitions
}

// Lookup returns the partition with the given name, or nil.
func Lookup(partitions []*Partition, name string) *Partition {
	for _, partition := range partitions {
		if partition.Name == name {
			return partition
		}
	}
	return nil
}
