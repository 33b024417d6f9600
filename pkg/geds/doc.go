/*
Package geds is the client of the GEDS object layer.

A Client presents objects of S3-compatible buckets as files that can be
created, written at arbitrary offsets, truncated and finally sealed. Bytes
are staged in a local sparse cache (a memory tier backed by sparse files on
local storage) and relocated to the bucket's object store in the
background. A shared metadata service, redis or in-process, keeps the
object records so that every client sees the same namespace.

Lifecycle

	client, err := geds.New(cfg)
	if err := client.Start(ctx); err != nil { ... }
	defer client.Stop(ctx)

	f, err := client.Create(ctx, "bucket", "dir/file", false)
	_ = f.Write(ctx, []byte("Hello world!"), 0)
	_ = f.Seal(ctx)
	_ = f.Close()

Files

A File is Writable until Seal (or SetMetadata with seal set), after which
its size and metadata are immutable and the object becomes visible to Status
and listings. Handles returned for the same object by one client share
their state; Close releases a reference. A handle whose object was deleted,
renamed or overwritten fails with INVALID_STATE.

Directories

Folders are a convention over flat keys: Mkdirs writes zero-length marker
objects ending in "/_$folder$", and ListFolder reports both markers and
deeper keys as directory entries.
*/
package geds
