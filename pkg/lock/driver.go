package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/types"
)

// PredicateResult is the verdict of a Driver over one sibling listing.
type PredicateResult struct {
	HoldsLock bool
	// sibling name whose removal moves us into the lease window, empty when held
	PathToWatch string
}

// Driver decides ordering and creates contender nodes.
type Driver interface {
	// GetsTheLock evaluates our position among children, which must be
	// sorted by FixForSorting.
	GetsTheLock(children []string, sequenceNodeName string, maxLeases int) (PredicateResult, error)

	// FixForSorting strips everything up to the last lockName so that only
	// the sequence suffix takes part in comparisons.
	FixForSorting(name, lockName string) string

	// CreatesTheLock creates our ephemeral sequential node at path and
	// returns the full path assigned by the store.
	CreatesTheLock(ctx context.Context, client coord.Client, path string, payload []byte) (string, error)
}

type StandardDriver struct{}

var _ Driver = StandardDriver{}

func (StandardDriver) GetsTheLock(children []string, sequenceNodeName string, maxLeases int) (PredicateResult, error) {
	ourIndex := slices.Index(children, sequenceNodeName)
	if ourIndex < 0 {
		return PredicateResult{}, fmt.Errorf("%w: %s", ErrNodeLost, sequenceNodeName)
	}

	if ourIndex < maxLeases {
		return PredicateResult{HoldsLock: true}, nil
	}
	return PredicateResult{PathToWatch: children[ourIndex-maxLeases]}, nil
}

func (StandardDriver) FixForSorting(name, lockName string) string {
	idx := strings.LastIndex(name, lockName)
	if idx < 0 {
		return name
	}
	return name[idx+len(lockName):]
}

func (StandardDriver) CreatesTheLock(ctx context.Context, client coord.Client, path string, payload []byte) (string, error) {
	ourPath, err := client.Create(ctx, path, payload, types.ModeEphemeralSequential)
	if !errors.Is(err, types.ErrNoNode) {
		return ourPath, err
	}

	//the lock's base path does not exist yet
	if err := createParents(ctx, client, types.ParentPath(path)); err != nil {
		return "", err
	}
	return client.Create(ctx, path, payload, types.ModeEphemeralSequential)
}

// creates every missing node on the way to p as persistent
func createParents(ctx context.Context, client coord.Client, p string) error {
	if p == "/" {
		return nil
	}

	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		current += "/" + part
		_, err := client.Create(ctx, current, nil, types.ModePersistent)
		if err != nil && !errors.Is(err, types.ErrNodeExists) {
			return fmt.Errorf("create parent %s: %w", current, err)
		}
	}
	return nil
}
