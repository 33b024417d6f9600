package geds

import (
	"log/slog"

	"github.com/objectfs/geds/internal/metadata"
	"github.com/objectfs/geds/internal/metadata/memory"
	"github.com/objectfs/geds/internal/storage"
	"github.com/objectfs/geds/pkg/types"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metadata metadata.Client
	server   *memory.Server
	factory  storage.Factory
	handler  func(types.Event)
	node     string
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetadataClient makes the client use session instead of connecting to
// the configured metadata service. The client closes it on Stop.
func WithMetadataClient(session metadata.Client) Option {
	return func(o *options) {
		o.metadata = session
	}
}

// WithMemoryServer shares an in-process metadata service between clients of
// the memory backend.
func WithMemoryServer(server *memory.Server) Option {
	return func(o *options) {
		o.server = server
	}
}

// WithStoreFactory replaces the aws-sdk backend factory.
func WithStoreFactory(factory storage.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithEventHandler receives the events matching the client's subscriptions.
func WithEventHandler(handler func(types.Event)) Option {
	return func(o *options) {
		o.handler = handler
	}
}

// WithNodeID overrides the node name published in object records.
func WithNodeID(node string) Option {
	return func(o *options) {
		o.node = node
	}
}
