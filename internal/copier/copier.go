package copier

import (
	"context"
	"hash/crc32"
	"io"

	"github.com/shizukutanaka/okura/internal/ratelimit"
	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

// DefaultChunkSize is the copy buffer size. Large enough to amortize
// syscall overhead, small enough that the cancellation check between
// chunks stays responsive.
const DefaultChunkSize = 5 << 20

// CopyFile streams src to dst in chunks, throttling each chunk through
// the limiter when one is configured and accumulating a CRC32 over the
// bytes written. sizeLimit caps the number of bytes copied (0 means
// copy everything). The context is checked before every chunk; a
// cancelled context aborts the copy with an Incomplete error.
func CopyFile(ctx context.Context, srcEnv, dstEnv vfs.Env, src, dst string,
	sizeLimit uint64, chunkSize int, limiter *ratelimit.Limiter,
	pri ratelimit.Priority, sync bool) (uint64, uint32, error) {

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	r, err := srcEnv.NewReader(src)
	if err != nil {
		return 0, 0, status.Wrapf(status.IOError, err, "open source %s", src)
	}
	defer r.Close()

	w, err := dstEnv.NewWriter(dst)
	if err != nil {
		return 0, 0, status.Wrapf(status.IOError, err, "open destination %s", dst)
	}

	total, checksum, err := stream(ctx, r, w, sizeLimit, chunkSize, limiter, pri)
	if err != nil {
		w.Close()
		return total, checksum, err
	}

	if sync {
		if err := w.Sync(); err != nil {
			w.Close()
			return total, checksum, status.Wrapf(status.IOError, err, "sync %s", dst)
		}
	}
	if err := w.Close(); err != nil {
		return total, checksum, status.Wrapf(status.IOError, err, "close %s", dst)
	}
	return total, checksum, nil
}

// CalculateChecksum runs the same chunked, rate-limited read loop as
// CopyFile without writing anything, returning the byte count and CRC32
// of src. Used to validate candidate shared files before reuse.
func CalculateChecksum(ctx context.Context, env vfs.Env, src string,
	sizeLimit uint64, chunkSize int, limiter *ratelimit.Limiter,
	pri ratelimit.Priority) (uint64, uint32, error) {

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	r, err := env.NewReader(src)
	if err != nil {
		return 0, 0, status.Wrapf(status.IOError, err, "open source %s", src)
	}
	defer r.Close()

	return stream(ctx, r, nil, sizeLimit, chunkSize, limiter, pri)
}

// stream is the shared read/throttle/checksum loop. w may be nil for
// checksum-only scans.
func stream(ctx context.Context, r io.Reader, w io.Writer, sizeLimit uint64,
	chunkSize int, limiter *ratelimit.Limiter, pri ratelimit.Priority) (uint64, uint32, error) {

	buf := make([]byte, chunkSize)
	var total uint64
	var checksum uint32

	for {
		if err := ctx.Err(); err != nil {
			return total, checksum, status.Wrap(status.Incomplete, err, "copy stopped")
		}

		toRead := int64(chunkSize)
		if sizeLimit > 0 {
			remaining := sizeLimit - total
			if remaining == 0 {
				return total, checksum, nil
			}
			if remaining < uint64(toRead) {
				toRead = int64(remaining)
			}
		}
		if limiter != nil {
			if burst := limiter.GetSingleBurstBytes(); toRead > burst {
				toRead = burst
			}
			if err := limiter.Request(ctx, toRead, pri); err != nil {
				return total, checksum, err
			}
		}

		n, err := r.Read(buf[:toRead])
		if n > 0 {
			checksum = crc32.Update(checksum, crc32.IEEETable, buf[:n])
			total += uint64(n)
			if w != nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return total, checksum, status.Wrap(status.IOError, werr, "write chunk")
				}
			}
		}
		if err == io.EOF {
			return total, checksum, nil
		}
		if err != nil {
			return total, checksum, status.Wrap(status.IOError, err, "read chunk")
		}
	}
}
