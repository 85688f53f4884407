package archbridge

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// killTree force-kills pid and every descendant, leaves first. The tree is
// collected before anything is killed so orphans cannot escape a reparent.
func killTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Already gone
		return killProcessGroup(pid)
	}

	var tree []*process.Process
	collectDescendants(ctx, root, &tree, 0)
	tree = append(tree, root)

	var errs []error
	for _, p := range tree {
		if err := p.KillWithContext(ctx); err != nil {
			if running, _ := p.IsRunningWithContext(ctx); running {
				errs = append(errs, err)
			}
		}
	}
	if err := killProcessGroup(pid); err != nil && len(errs) > 0 {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// collectDescendants appends the descendants of p in post-order
func collectDescendants(ctx context.Context, p *process.Process, out *[]*process.Process, depth int) {
	if depth > 16 {
		return
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return
	}
	for _, c := range children {
		collectDescendants(ctx, c, out, depth+1)
		*out = append(*out, c)
	}
}
