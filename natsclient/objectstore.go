package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Ilya-Muromets/Pani/errors"
)

// ObjectStore opens the named object store bucket, creating it with cfg
// when it does not exist and create is true.
func (c *Client) ObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig, create bool) (jetstream.ObjectStore, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	store, err := js.ObjectStore(ctx, cfg.Bucket)
	if err == nil {
		return store, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "Client", "ObjectStore", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}
	if !create {
		return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "ObjectStore",
			fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	store, err = js.CreateObjectStore(ctx, cfg)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			// created concurrently
			return js.ObjectStore(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "ObjectStore", fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Info("Created object store bucket", "bucket", cfg.Bucket)
	return store, nil
}
