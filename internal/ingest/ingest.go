// Package ingest turns sources (URLs, files, uploads) into chunked,
// embedded documents in the vector store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/praxos/ragpipe/internal/chunker"
	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/retrieval"
)

var (
	// ErrFetch wraps network failures retrieving a remote source.
	ErrFetch = errors.New("fetch failed")
	// ErrDecode wraps content that could not be decoded into text,
	// including documents over the size limit.
	ErrDecode = errors.New("decode failed")
	// ErrUnsupportedKind marks content types the pipeline cannot chunk.
	ErrUnsupportedKind = errors.New("unsupported content kind")
)

// Result summarizes one ingested document.
type Result struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	URI        string `json:"uri"`
	Title      string `json:"title"`
	Kind       string `json:"kind"`
}

// Options configure an Ingester.
type Options struct {
	ChunkOptions     chunker.Options
	MaxDocumentBytes int64 // 0 means unlimited
	Workers          int   // parallel documents for directory and crawl ingestion
}

// Ingester coordinates fetch, chunk, embed, and store. Ingestion of the
// same URI is serialized so supersede-on-reingest stays atomic; distinct
// URIs proceed in parallel.
type Ingester struct {
	store    retrieval.VectorStore
	embedder embedding.Embedder
	fetcher  *Fetcher
	opts     Options

	mu       sync.Mutex
	uriLocks map[string]*uriLock
}

type uriLock struct {
	mu   sync.Mutex
	refs int
}

func New(store retrieval.VectorStore, embedder embedding.Embedder, fetcher *Fetcher, opts Options) *Ingester {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Ingester{
		store:    store,
		embedder: embedder,
		fetcher:  fetcher,
		opts:     opts,
		uriLocks: make(map[string]*uriLock),
	}
}

// IngestURL fetches a single page and ingests it.
func (ing *Ingester) IngestURL(ctx context.Context, rawURL, metadataJSON string) (Result, error) {
	page, err := ing.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}
	return ing.ingestPage(ctx, page, metadataJSON)
}

// Crawl ingests rawURL and every same-origin page reachable from it within
// the fetcher's depth and page limits. Fetching is sequential under the
// rate limit; chunking and embedding of fetched pages fan out.
func (ing *Ingester) Crawl(ctx context.Context, rawURL, metadataJSON string) ([]Result, error) {
	pages, err := ing.fetcher.Crawl(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.opts.Workers)
	for i, page := range pages {
		g.Go(func() error {
			res, err := ing.ingestPage(gctx, page, metadataJSON)
			if err != nil {
				// One bad page does not sink the crawl.
				slog.Warn("skipping page", "url", page.URL, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, r := range results {
		if r.DocumentID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// IngestFile reads and ingests a single local file.
func (ing *Ingester) IngestFile(ctx context.Context, path, metadataJSON string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading %s: %v", ErrFetch, path, err)
	}
	kind, err := KindForFilename(path)
	if err != nil {
		return Result{}, err
	}
	uri := "file://" + absOrClean(path)
	title := filepath.Base(path)
	return ing.IngestContent(ctx, uri, title, kind, data, metadataJSON)
}

// IngestDir walks dir and ingests every supported file, in parallel up to
// the worker limit. Unsupported files are skipped, not errors.
func (ing *Ingester) IngestDir(ctx context.Context, dir, metadataJSON string) ([]Result, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, kerr := KindForFilename(path); kerr != nil {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			res, err := ing.IngestFile(gctx, path, metadataJSON)
			if err != nil {
				slog.Warn("skipping file", "path", path, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, r := range results {
		if r.DocumentID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// IngestContent is the core path: decode, chunk, embed, store. All other
// ingest entry points funnel through it.
func (ing *Ingester) IngestContent(ctx context.Context, uri, title, kind string, data []byte, metadataJSON string) (Result, error) {
	if ing.opts.MaxDocumentBytes > 0 && int64(len(data)) > ing.opts.MaxDocumentBytes {
		return Result{}, fmt.Errorf("%w: document %s is %d bytes, limit %d",
			ErrDecode, uri, len(data), ing.opts.MaxDocumentBytes)
	}

	text, title, err := decode(kind, data, title)
	if err != nil {
		return Result{}, err
	}
	switch kind {
	case chunker.KindText, chunker.KindHTML, chunker.KindPDF:
		if detectTranscript(text) {
			kind = chunker.KindTranscript
		}
	}

	strategy := chunker.StrategyFor(kind)
	pieces := chunker.Split(strategy, text, ing.opts.ChunkOptions)

	doc := retrieval.Document{
		ID:           uuid.NewString(),
		URI:          uri,
		Title:        title,
		Kind:         kind,
		Content:      text,
		MetadataJSON: metadataJSON,
		IngestedAt:   time.Now().UTC(),
	}

	chunks, err := ing.embedChunks(ctx, doc, pieces)
	if err != nil {
		return Result{}, err
	}

	unlock := ing.lockURI(uri)
	defer unlock()
	if err := ing.store.PutDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("storing %s: %w", uri, err)
	}

	slog.Info("ingested document", "uri", uri, "kind", kind, "chunks", len(chunks))
	return Result{DocumentID: doc.ID, Chunks: len(chunks), URI: uri, Title: title, Kind: kind}, nil
}

func (ing *Ingester) ingestPage(ctx context.Context, page Page, metadataJSON string) (Result, error) {
	kind, err := KindForContentType(page.ContentType, page.URL)
	if err != nil {
		return Result{}, err
	}
	title := page.Title
	if title == "" {
		title = titleFromURL(page.URL)
	}
	return ing.IngestContent(ctx, page.URL, title, kind, page.Body, metadataJSON)
}

func (ing *Ingester) embedChunks(ctx context.Context, doc retrieval.Document, pieces []chunker.Chunk) ([]retrieval.Chunk, error) {
	if len(pieces) == 0 {
		return nil, nil
	}
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", doc.URI, err)
	}

	modelVersion := ing.embedder.ModelVersion()
	chunks := make([]retrieval.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = retrieval.Chunk{
			ID:             uuid.NewString(),
			DocumentID:     doc.ID,
			Ordinal:        p.Ordinal,
			Text:           p.Text,
			Strategy:       p.Strategy,
			HeadingPath:    p.HeadingPath,
			StartTime:      p.StartTime,
			EndTime:        p.EndTime,
			DeclName:       p.DeclName,
			ItemIndex:      p.ItemIndex,
			Embedding:      vectors[i],
			Sparse:         embedding.Sparse(p.Text),
			ModelVersion:   modelVersion,
			FeedbackWeight: 1.0,
			CreatedAt:      doc.IngestedAt,
		}
	}
	return chunks, nil
}

// lockURI serializes ingestion per URI. The returned func releases the
// lock; the map entry is dropped once the last holder releases, so the
// lock table does not grow with every URI ever ingested.
func (ing *Ingester) lockURI(uri string) func() {
	ing.mu.Lock()
	lock, ok := ing.uriLocks[uri]
	if !ok {
		lock = &uriLock{}
		ing.uriLocks[uri] = lock
	}
	lock.refs++
	ing.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		ing.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(ing.uriLocks, uri)
		}
		ing.mu.Unlock()
	}
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true,
	".cpp": true, ".cs": true, ".kt": true, ".swift": true, ".sh": true,
}

// KindForFilename maps a file extension to a document kind.
func KindForFilename(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".md" || ext == ".markdown":
		return chunker.KindMarkdown, nil
	case ext == ".json" || ext == ".csv":
		return chunker.KindStructured, nil
	case ext == ".vtt" || ext == ".srt":
		return chunker.KindTranscript, nil
	case ext == ".pdf":
		return chunker.KindPDF, nil
	case ext == ".html" || ext == ".htm":
		return chunker.KindHTML, nil
	case ext == ".txt" || ext == ".text" || ext == "":
		return chunker.KindText, nil
	case codeExtensions[ext]:
		return chunker.KindCode, nil
	default:
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedKind, ext)
	}
}

// KindForContentType maps an HTTP Content-Type (falling back to the URL's
// extension) to a document kind.
func KindForContentType(contentType, rawURL string) (string, error) {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return chunker.KindHTML, nil
	case "text/markdown":
		return chunker.KindMarkdown, nil
	case "application/json", "text/csv":
		return chunker.KindStructured, nil
	case "application/pdf":
		return chunker.KindPDF, nil
	case "text/plain", "":
		return KindForFilename(rawURL)
	default:
		if strings.HasPrefix(mediaType, "text/") {
			return chunker.KindText, nil
		}
		return "", fmt.Errorf("%w: content type %q", ErrUnsupportedKind, contentType)
	}
}

// decode converts raw bytes to text for the given kind. HTML is stripped to
// its visible text (and may refine the title); PDF goes through text
// extraction; everything else must be valid UTF-8.
func decode(kind string, data []byte, title string) (text, outTitle string, err error) {
	switch kind {
	case chunker.KindPDF:
		text, err = extractPDFText(data)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return text, title, nil
	case chunker.KindHTML:
		if !utf8.Valid(data) {
			return "", "", fmt.Errorf("%w: invalid UTF-8", ErrDecode)
		}
		text, htmlTitle := htmlToText(data)
		if htmlTitle != "" {
			title = htmlTitle
		}
		return text, title, nil
	default:
		if !utf8.Valid(data) {
			return "", "", fmt.Errorf("%w: invalid UTF-8", ErrDecode)
		}
		return string(data), title, nil
	}
}

var transcriptMarker = regexp.MustCompile(`\[\d{2}:\d{2}:\d{2}\]`)

func detectTranscript(text string) bool {
	return len(transcriptMarker.FindAllString(text, 2)) >= 2
}

func titleFromURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 && i < len(trimmed)-1 {
		return trimmed[i+1:]
	}
	return trimmed
}

func absOrClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
