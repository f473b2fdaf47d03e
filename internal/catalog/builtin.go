package catalog

const (
	kb = 1024
	mb = 1024 * kb
)

// builtinSignatures is the default signature table. Max sizes are tuning
// heuristics, not correctness contracts; override them via a catalog
// directory when they prove wrong for a workload.
var builtinSignatures = []Signature{
	// Images
	{ID: "jpg", Category: "image/jpeg", Extension: "jpg", Description: "JPEG Image",
		Header: []byte{0xFF, 0xD8, 0xFF}, Footer: []byte{0xFF, 0xD9}, MaxSize: 50 * mb},
	{ID: "png", Category: "image/png", Extension: "png", Description: "PNG Image",
		Header: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'},
		Footer: []byte{0x00, 0x00, 0x00, 0x00, 'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82},
		MaxSize: 50 * mb, Encoding: SizePNG},
	{ID: "gif", Category: "image/gif", Extension: "gif", Description: "GIF Image",
		Header: []byte("GIF8"), MaxSize: 20 * mb},
	{ID: "bmp", Category: "image/bmp", Extension: "bmp", Description: "Bitmap Image",
		Header: []byte("BM"), MaxSize: 50 * mb, Encoding: SizeBMP},
	{ID: "tiff", Category: "image/tiff", Extension: "tiff", Description: "TIFF Image",
		Header: []byte{'I', 'I', 0x2A, 0x00}, MaxSize: 100 * mb},
	{ID: "webp", Category: "image/webp", Extension: "webp", Description: "WebP Image",
		Header: []byte("RIFF"), MaxSize: 20 * mb, Encoding: SizeRIFF},

	// Documents
	{ID: "pdf", Category: "application/pdf", Extension: "pdf", Description: "PDF Document",
		Header: []byte("%PDF-"), Footer: []byte("%%EOF"), MaxSize: 500 * mb},
	{ID: "docx", Category: "application/docx", Extension: "docx", Description: "Word Document",
		Header: []byte{'P', 'K', 0x03, 0x04}, MaxSize: 100 * mb},
	{ID: "xlsx", Category: "application/xlsx", Extension: "xlsx", Description: "Excel Spreadsheet",
		Header: []byte{'P', 'K', 0x03, 0x04}, MaxSize: 100 * mb},
	{ID: "pptx", Category: "application/pptx", Extension: "pptx", Description: "PowerPoint Presentation",
		Header: []byte{'P', 'K', 0x03, 0x04}, MaxSize: 100 * mb},
	{ID: "rtf", Category: "application/rtf", Extension: "rtf", Description: "Rich Text Document",
		Header: []byte(`{\rtf1`), Footer: []byte("}"), MaxSize: 50 * mb},

	// Archives
	{ID: "zip", Category: "application/zip", Extension: "zip", Description: "ZIP Archive",
		Header: []byte{'P', 'K', 0x03, 0x04}, MaxSize: 1000 * mb},
	{ID: "rar", Category: "application/rar", Extension: "rar", Description: "RAR Archive",
		Header: []byte{'R', 'a', 'r', '!', 0x1A, 0x07, 0x00}, MaxSize: 1000 * mb},
	{ID: "7z", Category: "application/7z", Extension: "7z", Description: "7-Zip Archive",
		Header: []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, MaxSize: 1000 * mb},
	{ID: "tar", Category: "application/tar", Extension: "tar", Description: "TAR Archive",
		Header: []byte{0x75, 0x73, 0x74, 0x61, 0x72}, MaxSize: 1000 * mb},

	// Media
	{ID: "mp3", Category: "audio/mpeg", Extension: "mp3", Description: "MP3 Audio",
		Header: []byte("ID3"), MaxSize: 100 * mb},
	{ID: "mp4", Category: "video/mp4", Extension: "mp4", Description: "MP4 Video",
		Header: []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4'}, MaxSize: 2000 * mb},
	{ID: "avi", Category: "video/avi", Extension: "avi", Description: "AVI Video",
		Header: []byte("RIFF"), MaxSize: 2000 * mb, Encoding: SizeRIFF},
	{ID: "mov", Category: "video/quicktime", Extension: "mov", Description: "QuickTime Video",
		Header: []byte{0x00, 0x00, 0x00, 0x14, 'f', 't', 'y', 'p'}, MaxSize: 2000 * mb},
	{ID: "wav", Category: "audio/wav", Extension: "wav", Description: "WAV Audio",
		Header: []byte("RIFF"), MaxSize: 200 * mb, Encoding: SizeRIFF},
	{ID: "flac", Category: "audio/flac", Extension: "flac", Description: "FLAC Audio",
		Header: []byte("fLaC"), MaxSize: 200 * mb},

	// Executables
	{ID: "exe", Category: "application/exe", Extension: "exe", Description: "Windows Executable",
		Header: []byte("MZ"), MaxSize: 500 * mb},
	{ID: "msi", Category: "application/msi", Extension: "msi", Description: "Windows Installer",
		Header: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, MaxSize: 500 * mb},

	// Databases and mail stores
	{ID: "sqlite", Category: "application/sqlite", Extension: "sqlite", Description: "SQLite Database",
		Header: []byte("SQLite format 3\x00"), MaxSize: 1000 * mb},
	{ID: "pst", Category: "application/pst", Extension: "pst", Description: "Outlook PST File",
		Header: []byte("!BDN"), MaxSize: 2000 * mb},
}

// Builtin returns the default catalog. Panics only on a programming error in
// the built-in table, which the package test pins down.
func Builtin() *Catalog {
	c, err := New(builtinSignatures)
	if err != nil {
		panic(err)
	}
	return c
}
