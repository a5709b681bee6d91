package manager

import (
	"fmt"

	"replisync/internal/models"
	"replisync/internal/syncerr"
)

// ConflictPolicy decides which version of a record survives when both sides
// changed it.
type ConflictPolicy string

const (
	ServerWins    ConflictPolicy = "server-wins"
	ClientWins    ConflictPolicy = "client-wins"
	LastWriteWins ConflictPolicy = "last-write-wins"
)

// ParsePolicy validates a policy name. Empty means server-wins.
func ParsePolicy(name string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(name); p {
	case "":
		return ServerWins, nil
	case ServerWins, ClientWins, LastWriteWins:
		return p, nil
	}
	return "", syncerr.Config("conflict policy", fmt.Errorf("unknown policy %q", name))
}

type side int

const (
	sideRemote side = iota
	sideLocal
)

func winner(local, remote *models.Record, policy ConflictPolicy) side {
	switch {
	case remote == nil && local != nil:
		return sideLocal
	case local == nil:
		return sideRemote
	}
	switch policy {
	case ClientWins:
		return sideLocal
	case LastWriteWins:
		if local.Meta.UpdatedAt.After(remote.Meta.UpdatedAt) {
			return sideLocal
		}
	}
	return sideRemote
}

// ResolveConflict returns a copy of the surviving record. It depends only on
// its arguments. A missing side loses to the present one; unknown policies
// behave as server-wins.
func ResolveConflict(collection, id string, local, remote *models.Record, policy ConflictPolicy) *models.Record {
	var out *models.Record
	if winner(local, remote, policy) == sideLocal {
		out = local.Clone()
	} else {
		out = remote.Clone()
	}
	if out != nil && out.Collection == "" {
		out.Collection = collection
	}
	if out != nil && out.ID == "" {
		out.ID = id
	}
	return out
}
