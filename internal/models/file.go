package models

import "path/filepath"

// File describes one attachment. The binary lives on the filesystem at
// a sharded path derived from the file id; the row carries metadata
// only.
type File struct {
	ID          string `json:"id"`
	AccountID   string `json:"aid"`
	Version     int    `json:"v"`
	MessageID   string `json:"messageId"`
	PartID      string `json:"partId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId,omitempty"`
	Size        int    `json:"size"`
}

// NewFile builds an attachment descriptor with a deterministic id so
// re-fetching a body writes the same blob path.
func NewFile(msg *Message, partID, filename, contentType, contentID string, size int) *File {
	return &File{
		ID:          deterministicID("file", msg.ID, partID, filename),
		AccountID:   msg.AccountID,
		MessageID:   msg.ID,
		PartID:      partID,
		Filename:    filename,
		ContentType: contentType,
		ContentID:   contentID,
		Size:        size,
	}
}

func (f *File) TableName() string      { return TableFile }
func (f *File) ModelID() string        { return f.ID }
func (f *File) ModelAccountID() string { return f.AccountID }
func (f *File) ModelVersion() int      { return f.Version }
func (f *File) SetModelVersion(v int)  { f.Version = v }

func (f *File) ProjectedColumns() []string { return []string{"messageId", "filename"} }
func (f *File) ProjectedValues() []any     { return []any{f.MessageID, f.Filename} }

// DiskPath returns the sharded on-disk location for the attachment
// bytes under the given files root. Two shard levels keep directory
// fanout sane for large mailboxes.
func (f *File) DiskPath(filesRoot string) string {
	id := f.ID
	name := f.Filename
	if name == "" {
		name = "attachment"
	}
	return filepath.Join(filesRoot, id[0:2], id[2:4], id, name)
}
