package github

import (
	"path"
	"strings"
)

// ──────────────────────────────────────────────────────────────────
// Guardrail Filter
//
// Applied to every listing before any downstream stage observes it.
// Binary/media/archive/office formats and CSV data dumps carry no
// gradeable evidence and would burn the model's context; anything
// under a logs/ segment is runtime output, not source.
//
// JSON files are special-cased: config manifests are evidence, data
// dumps are not, so only a small basename allow-set passes.
// ──────────────────────────────────────────────────────────────────

var blockedExtensions = map[string]bool{
	// images
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".svg": true, ".ico": true, ".webp": true, ".tiff": true,
	// audio / video
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true,
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true,
	// archives
	".zip": true, ".tar": true, ".gz": true, ".tgz": true, ".bz2": true,
	".xz": true, ".7z": true, ".rar": true, ".jar": true,
	// office / documents
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".odt": true, ".ods": true,
	// data dumps
	".csv": true, ".parquet": true, ".avro": true, ".feather": true,
	// compiled artifacts
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".pyc": true, ".class": true, ".o": true, ".a": true,
	// model weights
	".pkl": true, ".pt": true, ".pth": true, ".h5": true, ".onnx": true,
	".safetensors": true,
}

// allowedJSONBasenames is the allow-set for .json files.
var allowedJSONBasenames = map[string]bool{
	"package.json":    true,
	"tsconfig.json":   true,
	"components.json": true,
	"dashboard.json":  true,
	"composer.json":   true,
	"manifest.json":   true,
}

// FilterPaths applies the guardrail to a raw listing. The relative order of
// surviving paths is preserved.
func FilterPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if PassesGuardrail(p) {
			out = append(out, p)
		}
	}
	return out
}

// PassesGuardrail reports whether a single path survives the filter.
func PassesGuardrail(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	segs := strings.Split(p, "/")
	for _, seg := range segs {
		if seg == ".." {
			return false
		}
		if strings.EqualFold(seg, "logs") && seg != segs[len(segs)-1] {
			return false
		}
	}

	base := strings.ToLower(path.Base(p))
	ext := strings.ToLower(path.Ext(p))
	if ext == ".json" {
		return allowedJSONBasenames[base]
	}
	return !blockedExtensions[ext]
}
