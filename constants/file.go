package constants

import "strings"

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeJPEG = "image/jpeg"
	ContentTypePNG  = "image/png"
)

// BlobExt is the suffix given to every stored receipt blob.
const BlobExt = ".dr"

// receiptFormats maps every accepted media type to its file extensions. Image types are
// limited to those with a registered image decoder.
var receiptFormats = map[string][]string{
	ContentTypePDF:  {"pdf"},
	ContentTypeJPEG: {"jpg", "jpeg"},
	ContentTypePNG:  {"png"},
	"image/gif":     {"gif"},
	"image/webp":    {"webp"},
	"image/bmp":     {"bmp"},
	"image/tiff":    {"tif", "tiff"},
}

// AllowedExtensions holds the file extensions picked up by directory imports.
var AllowedExtensions = func() map[string]struct{} {
	exts := map[string]struct{}{}
	for _, list := range receiptFormats {
		for _, ext := range list {
			exts[ext] = struct{}{}
		}
	}
	return exts
}()

// IsAllowedExt reports whether a file with this extension can be imported as a receipt.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeContentType drops parameters and lowercases a media type.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsImage reports whether ct names a raster image type that can be decoded.
func IsImage(ct string) bool {
	ct = NormalizeContentType(ct)
	_, ok := receiptFormats[ct]
	return ok && strings.HasPrefix(ct, "image/")
}

// IsPDF reports whether ct is the PDF media type.
func IsPDF(ct string) bool {
	return NormalizeContentType(ct) == ContentTypePDF
}

// IsSupportedContentType reports whether receipts of this type can be stored and previewed.
func IsSupportedContentType(ct string) bool {
	_, ok := receiptFormats[NormalizeContentType(ct)]
	return ok
}
