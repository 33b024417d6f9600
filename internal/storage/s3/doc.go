/*
Package s3 implements types.ObjectStore for one bucket of an S3-compatible
object store on top of aws-sdk-go-v2.

Each Backend is bound to a single bucket and endpoint, mirroring the
per-bucket ObjectStoreConfig registered with the GEDS client. Credentials are
static (access key and secret key) when given and fall back to the SDK's
default chain otherwise.

Reads use ranged GetObject requests. Uploads go through the CargoShip
transporter when it is enabled and fall back to a plain PutObject if the
transporter fails; the body is an io.ReaderAt so the fallback can re-read it
from the start.

Errors are translated into pkg/errors codes: missing keys and buckets become
NOT_FOUND, an unsatisfiable range becomes OUT_OF_RANGE, an existing bucket
becomes ALREADY_EXISTS and transport failures become UNAVAILABLE. The SDK keeps
its own retry policy; the backend never retries on top of it.
*/
package s3
