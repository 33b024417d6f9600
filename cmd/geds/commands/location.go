package commands

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/objectfs/geds/pkg/utils"
)

// location is a bucket and a key or prefix given on the command line.
type location struct {
	Bucket string
	Key    string
}

func (l location) String() string {
	return utils.Identifier(l.Bucket, l.Key)
}

// parseLocation accepts "bucket/key", "geds://bucket/key" and
// "s3://bucket/key". The key may be empty.
func parseLocation(arg string) (location, error) {
	if strings.Contains(arg, "://") {
		parsed, err := url.Parse(arg)
		if err != nil {
			return location{}, fmt.Errorf("failed to parse location: %w", err)
		}
		switch parsed.Scheme {
		case "geds", "s3":
		default:
			return location{}, fmt.Errorf("unsupported scheme: %s (geds:// or s3://)", parsed.Scheme)
		}
		if parsed.Host == "" {
			return location{}, fmt.Errorf("location %q must include a bucket name", arg)
		}
		return location{Bucket: parsed.Host, Key: strings.TrimPrefix(parsed.Path, "/")}, nil
	}

	bucket, key, _ := strings.Cut(arg, utils.Delimiter)
	if err := utils.ValidateBucket(bucket); err != nil {
		return location{}, err
	}
	return location{Bucket: bucket, Key: key}, nil
}

// parseObject is parseLocation for arguments that must name an object.
func parseObject(arg string) (location, error) {
	loc, err := parseLocation(arg)
	if err != nil {
		return location{}, err
	}
	if err := utils.ValidateKey(loc.Key); err != nil {
		return location{}, fmt.Errorf("%s: %w", arg, err)
	}
	return loc, nil
}
