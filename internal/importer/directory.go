// Package importer はダウンロードしたファイルをディレクトリへ保存する取り込み先を提供する。
// ファイルはSHA-256ハッシュで命名し、同じ内容のファイルは1つだけ保存する。
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/seed"
)

// DefaultMaxFileSize は取り込むファイルサイズの既定の上限（200MB）。
const DefaultMaxFileSize int64 = 200 << 20

// blockedTypes は取り込まないコンテンツタイプ。
// ログインページやエラーページが画像の代わりに返された場合を弾く。
var blockedTypes = map[string]struct{}{
	"text/html":  {},
	"text/plain": {},
}

// Directory はファイルをroot配下に保存するseed.Importerの実装。
type Directory struct {
	root    string
	maxSize int64
	logger  *slog.Logger
}

// NewDirectory はrootを保存先とするDirectoryを生成する。
// rootが存在しない場合は作成する。
func NewDirectory(root string, maxSize int64, logger *slog.Logger) (*Directory, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}
	return &Directory{root: root, maxSize: maxSize, logger: logger}, nil
}

// Import はレスポンスの本文を保存し、取り込み結果を返す。
// 同じハッシュのファイルがすでにあれば保存せずにSuccessfulButRedundantを返す。
func (d *Directory) Import(ctx context.Context, fsd *seed.FileSeed, resp *network.Response) (seed.ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return seed.ImportResult{}, model.ErrCancelled
	}

	if len(resp.Body) == 0 {
		return seed.ImportResult{}, &model.DataMissingError{Reason: "empty file"}
	}
	if int64(len(resp.Body)) > d.maxSize {
		return seed.ImportResult{}, model.NewVetoError("file too large: %d bytes", len(resp.Body))
	}

	contentType := detectContentType(resp)
	if _, blocked := blockedTypes[contentType]; blocked {
		return seed.ImportResult{}, model.NewVetoError("unsupported file type: %s", contentType)
	}

	sum := sha256.Sum256(resp.Body)
	hash := hex.EncodeToString(sum[:])
	if _, ok := d.Path(hash); ok {
		return seed.ImportResult{Status: model.StatusSuccessfulButRedundant, Hash: hash, Note: "already in db"}, nil
	}

	if err := writeAtomic(d.pathFor(hash, contentType), resp.Body); err != nil {
		return seed.ImportResult{}, err
	}

	d.logger.Debug("ファイルを保存しました",
		slog.String("url", fsd.URL()),
		slog.String("hash", hash),
		slog.String("content_type", contentType),
		slog.Int("size", len(resp.Body)),
	)

	return seed.ImportResult{Status: model.StatusSuccessfulAndNew, Hash: hash}, nil
}

// Path は保存済みファイルのパスを返す。見つからない場合はfalseを返す。
func (d *Directory) Path(hash string) (string, bool) {
	if len(hash) < 2 {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(d.root, hash[:2], hash+"*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// pathFor はハッシュの先頭2文字をサブディレクトリとした保存先を返す。
func (d *Directory) pathFor(hash, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return filepath.Join(d.root, hash[:2], hash+ext)
}

// detectContentType はレスポンスのContent-Typeを優先し、無ければ本文から判定する。
func detectContentType(resp *network.Response) string {
	ct := resp.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(resp.Body)
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// writeAtomic は一時ファイルに書き込んでからリネームする。
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".import-*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("ファイルのリネームに失敗: %w", err)
	}
	return nil
}

// コンパイル時にインターフェースの実装を検証する
var _ seed.Importer = (*Directory)(nil)
