package model

import "strings"

// SharedFile is one entry of a device's catalog. AbsolutePath stays local.
type SharedFile struct {
	ID            string   `json:"id"`
	Filename      string   `json:"filename"`
	AbsolutePath  string   `json:"-"`
	SizeBytes     int64    `json:"sizeBytes"`
	ContentHash   string   `json:"contentHash"`
	MimeType      string   `json:"mimeType,omitempty"`
	OwnerDeviceID string   `json:"ownerDeviceId"`
	CreatedAt     int64    `json:"createdAt,omitempty"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// FileID returns the content-addressed id of a file owned by deviceID.
func FileID(deviceID, contentHash string) string {
	return deviceID + "_" + contentHash
}

// Clone returns a copy that shares no slices with f.
func (f SharedFile) Clone() SharedFile {
	out := f
	if f.Tags != nil {
		out.Tags = append([]string(nil), f.Tags...)
	}
	return out
}

// Matches reports whether query is a case-insensitive substring of the
// filename, the description, or any tag. An empty query matches everything.
func (f SharedFile) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(f.Filename), q) {
		return true
	}
	if strings.Contains(strings.ToLower(f.Description), q) {
		return true
	}
	for _, tag := range f.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// HasType reports whether the file matches one of types. A type is either an
// extension (".png" or "png") or a MIME type or prefix ("image/", "image/png").
// An empty list matches everything.
func (f SharedFile) HasType(types []string) bool {
	if len(types) == 0 {
		return true
	}
	name := strings.ToLower(f.Filename)
	mime := strings.ToLower(f.MimeType)
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.Contains(t, "/") {
			if strings.HasPrefix(mime, t) {
				return true
			}
			continue
		}
		if !strings.HasPrefix(t, ".") {
			t = "." + t
		}
		if strings.HasSuffix(name, t) {
			return true
		}
	}
	return false
}

// CloneFiles copies a slice of files.
func CloneFiles(files []SharedFile) []SharedFile {
	if files == nil {
		return nil
	}
	out := make([]SharedFile, len(files))
	for i, f := range files {
		out[i] = f.Clone()
	}
	return out
}
