// Package upload classifies files picked in the chat box or the document panel and
// routes plain documents through duplicate-aware creation.
package upload

import "strings"

// Kind is the backend analysis pipeline a file is routed to, derived purely from its
// filename and MIME type at submission time.
type Kind string

const (
	// KindVolume routes to CT/MRI volume analysis: NIfTI files and generic zip archives.
	KindVolume Kind = "volume"
	// KindImage routes to 2D image analysis (vision, or CXR comparison).
	KindImage Kind = "image"
	// KindDocument routes to plain document upload and OCR.
	KindDocument Kind = "document"
	// KindDICOM routes to volume analysis of a DICOM series.
	KindDICOM Kind = "dicom"
	// KindWSI routes to whole-slide-image patch analysis.
	KindWSI Kind = "wsi"
)

// Classify maps a file to its analysis pipeline. The rules are ordered: DICOM and WSI
// archives must be recognized before the generic zip rule, since both are also zip or
// specially-named files that would otherwise classify as plain volumes.
func Classify(filename, contentType string) Kind {
	name := strings.ToLower(filename)

	if strings.HasSuffix(name, ".dcm") {
		return KindDICOM
	}

	zip := isZip(name, contentType)
	if zip && (strings.Contains(name, "wsi") || strings.Contains(name, "patch")) {
		return KindWSI
	}

	if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") || zip {
		return KindVolume
	}

	if strings.HasPrefix(contentType, "image/") {
		return KindImage
	}

	return KindDocument
}

// IsCXRFilename reports whether an image filename looks like a chest X-ray. Such
// uploads are special-cased toward the automatic prior-comparison workflow instead of
// a generic vision analysis.
func IsCXRFilename(filename string) bool {
	name := strings.ToLower(filename)
	return strings.Contains(name, "cxr") ||
		strings.Contains(name, "xray") ||
		strings.Contains(name, "chest")
}

func isZip(name, contentType string) bool {
	return strings.HasSuffix(name, ".zip") ||
		contentType == "application/zip" ||
		contentType == "application/x-zip-compressed"
}
