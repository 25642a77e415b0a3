// Package gpid defines the global partition identifier and decree types
// shared by every component of the replication core.
package gpid

import "fmt"

// Decree is the monotonically increasing, per-partition sequence number
// assigned to a replicated mutation.
type Decree uint64

// InvalidDecree marks "no decree assigned yet" throughout the core.
const InvalidDecree Decree = 0

// GPID is an opaque key identifying a replicated partition: an application
// id paired with a partition index within that application.
type GPID struct {
	AppID         int32
	PartitionIndex int32
}

func New(appID, partitionIndex int32) GPID {
	return GPID{AppID: appID, PartitionIndex: partitionIndex}
}

func (g GPID) String() string {
	return fmt.Sprintf("%d.%d", g.AppID, g.PartitionIndex)
}

func (g GPID) Value() uint64 {
	return uint64(uint32(g.AppID))<<32 | uint64(uint32(g.PartitionIndex))
}
