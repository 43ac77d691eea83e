package backup

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strconv"

	"github.com/kjk/mailstore/filelock"
	"github.com/kjk/mailstore/labeldb"
	"github.com/kjk/mailstore/log"
	"github.com/kjk/mailstore/mailcorpus"
	"github.com/kjk/mailstore/tardb"
	"github.com/kjk/mailstore/u"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type Client struct {
	Client *minio.Client
	Bucket string
	config *Config
}

// New connects to the storage and checks that the bucket exists
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := config
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &Client{
		Client: mc,
		Bucket: c.Bucket,
		config: c,
	}, nil
}

// File is a local file of a corpus and where it goes in the bucket
type File struct {
	LocalPath  string
	RemotePath string
	// size of local file
	Size int64
	// sealed segments never change, they're skipped if already uploaded
	Immutable bool
}

// IsUploaded returns true if f can be skipped because it was already
// uploaded. remoteSize is the size of the local file the remote copy was
// made from, -1 if there is no remote copy or the size is not known.
// A segment uploaded while it was still being written is uploaded again
// once it's sealed.
func (f *File) IsUploaded(remoteSize int64) bool {
	return f.Immutable && remoteSize >= 0 && remoteSize == f.Size
}

// PlanFiles returns files of corpus in dir that should be backed up:
// segments, the catalog and label files. The last segment is still being
// appended to and is only included if includeCurrent is true.
func PlanFiles(dir string, prefix string, compress bool, includeCurrent bool) ([]File, error) {
	tarDir := filepath.Join(dir, mailcorpus.TarDir)
	segments, err := tardb.SegmentPaths(tarDir)
	if err != nil {
		return nil, err
	}
	labelDir := filepath.Join(dir, mailcorpus.LabelDir)
	labels, err := u.ListFilesWithPrefix(labelDir, labeldb.DefaultPrefix+"_", "")
	if err != nil {
		return nil, err
	}

	var res []File
	add := func(localPath string, immutable bool) {
		rel, err := filepath.Rel(dir, localPath)
		u.PanicIfErr(err)
		remote := path.Join(prefix, filepath.ToSlash(rel))
		if compress {
			remote += ".br"
		}
		res = append(res, File{
			LocalPath:  localPath,
			RemotePath: remote,
			Size:       u.FileSize(localPath),
			Immutable:  immutable,
		})
	}
	for i, p := range segments {
		isLast := i == len(segments)-1
		if isLast && !includeCurrent {
			continue
		}
		add(p, !isLast)
	}
	add(filepath.Join(tarDir, tardb.DefaultCatalogName), false)
	for _, p := range labels {
		add(p, false)
	}
	return res, nil
}

// user metadata with size of the local file an object was uploaded from
const metaLocalSize = "Local-Size"

// UploadedSize returns size of the local file remotePath was uploaded
// from, -1 if remotePath doesn't exist or the size is not known
func (c *Client) UploadedSize(ctx context.Context, remotePath string) int64 {
	info, err := c.Client.StatObject(ctx, c.Bucket, remotePath, minio.StatObjectOptions{})
	if err != nil {
		return -1
	}
	return uploadedSize(info)
}

func uploadedSize(info minio.ObjectInfo) int64 {
	if s, ok := info.UserMetadata[metaLocalSize]; ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return -1
	}
	// without metadata only uncompressed size can be trusted
	if path.Ext(info.Key) == ".br" {
		return -1
	}
	return info.Size
}

func putOptions(remotePath string, localSize int64) minio.PutObjectOptions {
	ext := filepath.Ext(remotePath)
	return minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(ext),
		UserMetadata: map[string]string{
			metaLocalSize: strconv.FormatInt(localSize, 10),
		},
	}
}

func (c *Client) UploadFile(ctx context.Context, remotePath string, localPath string) (minio.UploadInfo, error) {
	opts := putOptions(remotePath, u.FileSize(localPath))
	return c.Client.FPutObject(ctx, c.Bucket, remotePath, localPath, opts)
}

func (c *Client) UploadFileBrotliCompressed(ctx context.Context, remotePath string, localPath string) (minio.UploadInfo, error) {
	localSize := u.FileSize(localPath)
	d, err := u.BrCompressFileData(localPath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	opts := putOptions(remotePath, localSize)
	opts.ContentType = "application/x-brotli"
	r := bytes.NewReader(d)
	return c.Client.PutObject(ctx, c.Bucket, remotePath, r, int64(len(d)), opts)
}

type Result struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Backup uploads corpus in dir. It holds the writer lock of the corpus while
// uploading so that the catalog and label files are consistent with each
// other. Fails with dberr.ErrBusy if the corpus is open for writing.
func (c *Client) Backup(ctx context.Context, dir string, includeCurrent bool) (*Result, error) {
	res := &Result{}
	lockPath := filepath.Join(dir, mailcorpus.TarDir, tardb.DefaultLockName)
	err := filelock.With(lockPath, func() error {
		files, err := PlanFiles(dir, c.config.Prefix, c.config.Compress, includeCurrent)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if f.Immutable && f.IsUploaded(c.UploadedSize(ctx, f.RemotePath)) {
				log.Verbosef("backup: skipping '%s', already uploaded\n", f.RemotePath)
				res.Skipped++
				continue
			}
			var info minio.UploadInfo
			if c.config.Compress {
				info, err = c.UploadFileBrotliCompressed(ctx, f.RemotePath, f.LocalPath)
			} else {
				info, err = c.UploadFile(ctx, f.RemotePath, f.LocalPath)
			}
			if err != nil {
				return errors.Wrapf(err, "upload of '%s' as '%s' failed", f.LocalPath, f.RemotePath)
			}
			log.Verbosef("backup: uploaded '%s' as '%s', %d bytes\n", f.LocalPath, f.RemotePath, info.Size)
			res.Uploaded++
			res.Bytes += info.Size
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	log.Event("backup", "dir", dir, "bucket", c.Bucket, "uploaded", res.Uploaded, "skipped", res.Skipped, "bytes", res.Bytes)
	return res, nil
}
