package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/bgsync"
	"offline_cache_proxy/internal/clients"
	"offline_cache_proxy/internal/formqueue"
)

// EnqueueForm validates and queues a submission, then asks for a form sync.
func (c *Controller) EnqueueForm(ctx context.Context, sub formqueue.Submission) (formqueue.Submission, error) {
	prepared, err := formqueue.Prepare(sub, c.now())
	if err != nil {
		return formqueue.Submission{}, err
	}
	if err := c.queue.Enqueue(ctx, prepared); err != nil {
		return formqueue.Submission{}, err
	}
	c.updateQueueDepth(ctx)
	c.logger.Info("form queued", zap.String("submission_id", prepared.ID))
	c.sync.FireAsync(c.cfg.Sync.FormTag)
	return prepared, nil
}

// PendingForms lists queued submissions, oldest first.
func (c *Controller) PendingForms(ctx context.Context) ([]formqueue.Submission, error) {
	return c.queue.PeekAll(ctx)
}

// Sync fires tag now and waits for the handler.
func (c *Controller) Sync(ctx context.Context, tag string) error {
	return c.sync.Fire(ctx, tag)
}

// syncForms drains the queue to the form endpoint. Pages are told only when
// something was actually delivered and nothing failed.
func (c *Controller) syncForms(ctx context.Context) error {
	sent, err := c.queue.DrainOrFail(ctx, c.sender)
	c.updateQueueDepth(ctx)
	if err != nil {
		return err
	}
	if sent == 0 {
		return nil
	}
	reached := c.notifier.PostMessage(clients.Message{
		Type: clients.TypeFormSyncComplete,
		Tag:  c.cfg.Sync.FormTag,
		Data: map[string]any{"sent": sent, "completed_at": c.now().UTC().Format(time.RFC3339)},
	})
	c.logger.Info("form sync complete", zap.Int("sent", sent), zap.Int("pages", reached))
	return nil
}

func (c *Controller) updateQueueDepth(ctx context.Context) {
	depth, err := c.queue.Len(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("queue depth unavailable", zap.Error(err))
		return
	}
	c.metrics.SetQueueDepth(depth)
}

// HandleMessage handles a control message sent by a page.
func (c *Controller) HandleMessage(from clients.Info, msg clients.Message) error {
	switch msg.Type {
	case clients.TypeSkipWaiting:
		c.logger.Info("skip waiting requested", zap.String("client_id", from.ID))
		_, err := c.SkipWaiting(context.Background())
		return err
	case clients.TypeSync:
		tag := msg.Tag
		if tag == "" {
			tag = c.cfg.Sync.FormTag
		}
		if !c.hasTag(tag) {
			return fmt.Errorf("%w: %s", bgsync.ErrUnknownTag, tag)
		}
		c.sync.FireAsync(tag)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
}

func (c *Controller) hasTag(tag string) bool {
	for _, registered := range c.sync.Tags() {
		if registered == tag {
			return true
		}
	}
	return false
}
