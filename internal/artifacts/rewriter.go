// Package artifacts turns the file references a backend returns into URLs the
// GUI can fetch from the bridge, and back again for follow-up jobs.
package artifacts

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// OutputsPrefix is the URL path artifacts are served under.
	OutputsPrefix = "/outputs/"

	listKey  = "images"
	thumbDir = "thumbs"
)

// Single-valued result keys that may hold an artifact reference.
var urlKeys = []string{"image_url", "output_url", "mask_url"}

// Param keys that may point back at a previously served artifact.
var inputKeys = []string{"image_url", "mask_url", "input_image", "image_path", "mask_path"}

// Fetcher downloads an artifact the backend serves over HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Options configures a Rewriter.
type Options struct {
	PublicBaseURL  string
	OutputDir      string
	ThumbnailWidth int
	// Mirror receives a copy of every primary artifact when set.
	Mirror Uploader
	// Fetcher pulls http(s) artifacts into the output directory. Without one
	// such references are left as the backend sent them.
	Fetcher Fetcher
	Logger  zerolog.Logger
}

// Rewriter maps artifact references between the backend and the bridge.
type Rewriter struct {
	publicBase string
	outputDir  string
	thumbWidth int
	local      Uploader
	mirror     Uploader
	fetch      Fetcher
	log        zerolog.Logger
}

// NewRewriter resolves and creates the output directory.
func NewRewriter(opts Options) (*Rewriter, error) {
	dir := opts.OutputDir
	if dir == "" {
		dir = "./outputs"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	base := strings.TrimRight(opts.PublicBaseURL, "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &Rewriter{
		publicBase: base,
		outputDir:  abs,
		thumbWidth: opts.ThumbnailWidth,
		local:      &localStore{baseDir: abs},
		mirror:     opts.Mirror,
		fetch:      opts.Fetcher,
		log:        opts.Logger.With().Str("component", "artifacts").Logger(),
	}, nil
}

// OutputDir is the absolute directory served under OutputsPrefix.
func (r *Rewriter) OutputDir() string {
	return r.outputDir
}

// PublicURL returns the bridge URL for an artifact key.
func (r *Rewriter) PublicURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return r.publicBase + OutputsPrefix + strings.Join(parts, "/")
}

// Rewrite returns a copy of result with artifact references replaced by
// public URLs. Originals are kept under "backend_<key>". A reference that
// cannot be brought into the output directory is left untouched. The first
// artifact found also gets a thumbnail and, when a mirror is configured, a
// mirror copy.
func (r *Rewriter) Rewrite(ctx context.Context, jobID string, result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	out := maps.Clone(result)
	primary := ""

	for _, k := range urlKeys {
		raw, ok := result[k].(string)
		if !ok {
			continue
		}
		key, ok := r.adopt(ctx, jobID, raw)
		if !ok {
			continue
		}
		out[k] = r.PublicURL(key)
		out["backend_"+k] = raw
		if primary == "" && k != "mask_url" {
			primary = key
		}
	}

	if list, ok := result[listKey].([]any); ok {
		rewritten := make([]any, len(list))
		changed := false
		for i, item := range list {
			rewritten[i] = item
			raw, ok := item.(string)
			if !ok {
				continue
			}
			key, ok := r.adopt(ctx, jobID, raw)
			if !ok {
				continue
			}
			rewritten[i] = r.PublicURL(key)
			changed = true
			if primary == "" {
				primary = key
			}
		}
		if changed {
			out[listKey] = rewritten
			out["backend_"+listKey] = list
		}
	}

	if primary != "" {
		r.decorate(ctx, jobID, primary, out)
	}
	return out
}

// Localize returns a copy of params where references to served artifacts are
// replaced by their path on disk, so the backend can read its own output.
func (r *Rewriter) Localize(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := maps.Clone(params)
	prefix := r.publicBase + OutputsPrefix
	for _, k := range inputKeys {
		raw, ok := params[k].(string)
		if !ok || !strings.HasPrefix(raw, prefix) {
			continue
		}
		rest, err := url.PathUnescape(strings.TrimPrefix(raw, prefix))
		if err != nil {
			continue
		}
		key := sanitizeKey(rest)
		if key == "" {
			continue
		}
		out[k] = filepath.Join(r.outputDir, filepath.FromSlash(key))
	}
	return out
}

// adopt resolves raw to an output key. Artifacts outside the output directory
// are stored under a per-job prefix so jobs cannot overwrite each other.
func (r *Rewriter) adopt(ctx context.Context, jobID, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, r.publicBase+"/") {
		return "", false
	}

	u, err := url.Parse(raw)
	switch {
	case err == nil && (u.Scheme == "http" || u.Scheme == "https"):
		return r.download(ctx, jobID, raw, path.Base(u.Path))
	case err == nil && u.Scheme == "file":
		return r.adoptPath(ctx, jobID, u.Path)
	case err == nil && len(u.Scheme) > 1:
		// data:, s3: and friends are left alone.
		return "", false
	default:
		return r.adoptPath(ctx, jobID, raw)
	}
}

func (r *Rewriter) download(ctx context.Context, jobID, raw, base string) (string, bool) {
	if r.fetch == nil || base == "." || base == "/" {
		return "", false
	}
	key := jobKey(jobID, base)
	if key == "" {
		return "", false
	}
	body, err := r.fetch.Fetch(ctx, raw)
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Str("url", raw).Msg("artifact download failed, keeping backend url")
		return "", false
	}
	if _, err := r.local.Upload(ctx, key, body, contentTypeFor(key)); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Str("url", raw).Msg("store downloaded artifact")
		return "", false
	}
	return key, true
}

func (r *Rewriter) adoptPath(ctx context.Context, jobID, p string) (string, bool) {
	abs, err := filepath.Abs(filepath.FromSlash(p))
	if err != nil {
		return "", false
	}
	if rel, err := filepath.Rel(r.outputDir, abs); err == nil && rel != "." && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		key := sanitizeKey(filepath.ToSlash(rel))
		return key, key != ""
	}

	key := jobKey(jobID, filepath.Base(abs))
	if key == "" {
		return "", false
	}
	body, err := os.ReadFile(abs)
	if err != nil {
		r.log.Debug().Err(err).Str("path", abs).Msg("artifact not readable, keeping backend path")
		return "", false
	}
	if _, err := r.local.Upload(ctx, key, body, contentTypeFor(key)); err != nil {
		r.log.Warn().Err(err).Str("path", abs).Msg("copy artifact into output dir")
		return "", false
	}
	return key, true
}

// jobKey places name under the job's own directory.
func jobKey(jobID, name string) string {
	if sanitizeKey(name) == "" {
		return ""
	}
	return sanitizeKey(path.Join(sanitizeKey(jobID), path.Base(sanitizeKey(name))))
}

// decorate adds thumbnail_url and mirror_url for the primary artifact. Both
// are best effort; failures are logged and never fail the job.
func (r *Rewriter) decorate(ctx context.Context, jobID, key string, out map[string]any) {
	p := filepath.Join(r.outputDir, filepath.FromSlash(key))
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return
	}
	log := r.log.With().Str("job_id", jobID).Str("artifact", key).Logger()

	if r.thumbWidth > 0 && strings.HasPrefix(contentTypeFor(key), "image/") {
		thumbKey := path.Join(thumbDir, strings.TrimSuffix(key, path.Ext(key))+".jpg")
		data, err := thumbnail(p, r.thumbWidth)
		if err != nil {
			log.Warn().Err(err).Msg("thumbnail skipped")
		} else if _, err := r.local.Upload(ctx, thumbKey, data, "image/jpeg"); err != nil {
			log.Warn().Err(err).Msg("thumbnail write failed")
		} else {
			out["thumbnail_url"] = r.PublicURL(thumbKey)
		}
	}

	if r.mirror != nil {
		body, err := os.ReadFile(p)
		if err != nil {
			log.Warn().Err(err).Msg("mirror read failed")
			return
		}
		loc, err := r.mirror.Upload(ctx, key, body, contentTypeFor(key))
		if err != nil {
			log.Warn().Err(err).Msg("mirror upload failed")
			return
		}
		out["mirror_url"] = loc
	}
}
