package controller

import (
	"context"
	"sort"

	"go.uber.org/multierr"
)

type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type Status struct {
	State       string          `json:"state"`
	Version     string          `json:"version"`
	Partitions  []PartitionInfo `json:"partitions"`
	QueueDepth  int             `json:"queue_depth"`
	PendingSync []string        `json:"pending_sync"`
	Pages       int             `json:"pages"`
}

// Partitions lists every stored partition with its entry count.
func (c *Controller) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var errs error
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		info := PartitionInfo{Name: name, Current: name == c.shellName || name == c.externalName}
		partition, err := c.storage.Open(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		keys, err := partition.Keys(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		info.Entries = len(keys)
		infos = append(infos, info)
	}
	return infos, errs
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	partitions, err := c.Partitions(ctx)
	depth, depthErr := c.queue.Len(ctx)
	status := Status{
		State:       c.State().String(),
		Version:     c.Version(),
		Partitions:  partitions,
		QueueDepth:  depth,
		PendingSync: c.sync.Pending(),
		Pages:       c.notifier.Count(),
	}
	return status, multierr.Combine(err, depthErr)
}
