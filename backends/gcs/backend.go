// Package gcs keeps a disk image in Google Cloud Storage. An image is a
// manifest plus fixed-size band objects; bands that were never written read
// as zeros.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal"
	"google.golang.org/api/option"
)

const (
	scheme          = "gs://"
	manifestName    = "manifest.json"
	DefaultBandSize = 1 << 20
)

var ErrExists = errors.New("image already exists")

// ParsePath splits gs://bucket/image. ok is false for anything else.
func ParsePath(path string) (bucketName, image string, ok bool) {
	if !strings.HasPrefix(path, scheme) {
		return "", "", false
	}
	rest := strings.TrimSuffix(path[len(scheme):], "/")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Probe opens the image when path has the gs:// form.
func Probe(settings netblock.Settings, path string) (netblock.Device, error) {
	name, image, ok := ParsePath(path)
	if !ok {
		return nil, netblock.ErrNotCompatible
	}

	b, err := NewBackend(context.Background(), name, netblock.StringSetting(settings, internal.KeyGCSCredentials, ""))
	if err != nil {
		return nil, err
	}
	h, err := b.Open(image)
	if err != nil {
		b.Close()
		return nil, err
	}
	h.owner = b
	return h, nil
}

type Backend struct {
	client *storage.Client
	b      bucket
}

// NewBackend connects to an existing bucket. An empty credentialsFile uses
// the application default credentials.
func NewBackend(ctx context.Context, bucketName, credentialsFile string) (*Backend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create client: %w", netblock.ErrTransport, err)
	}

	bh := client.Bucket(bucketName)
	if _, err := bh.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: unable to get bucket %s: %w", netblock.ErrTransport, bucketName, err)
	}

	internal.Debug("connected to bucket", internal.Fields{
		internal.FieldBackend: "gcs",
		internal.FieldPath:    bucketName,
	})
	return &Backend{client: client, b: &gcsBucket{b: bh}}, nil
}

func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

type manifest struct {
	Size      uint64
	BlockSize uint64
}

// Create writes the manifest of a new image of size bytes split into bands
// of bandSize bytes. Both must be whole sectors.
func (b *Backend) Create(image string, size, bandSize uint64) (*Handle, error) {
	if size == 0 || size%netblock.SectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not a positive multiple of %d", size, netblock.SectorSize)
	}
	if bandSize == 0 || bandSize%netblock.SectorSize != 0 {
		return nil, fmt.Errorf("band size %d is not a positive multiple of %d", bandSize, netblock.SectorSize)
	}
	ctx := context.Background()

	// make sure this doesn't exist
	key := image + "/" + manifestName
	if _, err := b.b.get(ctx, key); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, image)
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: unable to check for manifest: %w", netblock.ErrTransport, err)
	}

	m := manifest{Size: size, BlockSize: bandSize}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("unable to encode manifest: %w", err)
	}
	if err := b.b.put(ctx, key, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: unable to write manifest: %w", netblock.ErrTransport, err)
	}

	internal.Info("created image", internal.Fields{
		internal.FieldBackend: "gcs",
		internal.FieldPath:    image,
		internal.FieldSectors: size / netblock.SectorSize,
	})
	return newHandle(b.b, image, m), nil
}

func (b *Backend) Open(image string) (*Handle, error) {
	raw, err := b.b.get(context.Background(), image+"/"+manifestName)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read manifest of %s: %w", netblock.ErrTransport, image, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unable to decode manifest of %s: %w", image, err)
	}
	if m.BlockSize == 0 || m.BlockSize%netblock.SectorSize != 0 {
		return nil, fmt.Errorf("manifest of %s has unusable band size %d", image, m.BlockSize)
	}
	return newHandle(b.b, image, m), nil
}

// Delete is on the backend instead of the Handle so that an image can be
// removed without opening it.
func (b *Backend) Delete(image string) error {
	ctx := context.Background()
	keys, err := b.b.keys(ctx, image+"/")
	if err != nil {
		return fmt.Errorf("%w: unable to list %s: %w", netblock.ErrTransport, image, err)
	}
	for _, key := range keys {
		if err := b.b.remove(ctx, key); err != nil {
			return fmt.Errorf("%w: unable to delete [%s]: %w", netblock.ErrTransport, key, err)
		}
	}
	return nil
}

func bandKey(image string, idx uint64) string {
	return image + "/bands/" + strconv.FormatUint(idx, 36)
}
