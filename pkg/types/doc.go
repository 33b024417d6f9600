/*
Package types provides the data structures and interfaces shared between the
GEDS client and its internal components.

# Data Structures

FileStatus is what listing and status calls return: a key, its size and
whether it stands for a folder.

ObjectInfo describes an object as seen by a backing object store.

ObjectStoreConfig binds a bucket to an S3-compatible endpoint and the static
credentials used to reach it.

Event is a change notification delivered to subscribers; SubscriptionType
selects which events a subscription receives.

# Interfaces

ObjectStore abstracts one bucket of an S3-compatible store. MetricsCollector
is the narrow recording surface the cache, the relocation manager and the
client report into, so that none of them depends on prometheus directly.

All interfaces in this package must be safe for concurrent use.
*/
package types
