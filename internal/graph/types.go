package graph

import (
	"encoding/json"
	"time"
)

// Item is a drive item normalized from the API's JSON. Exactly one of
// Folder/Package is set for directories; files carry size, change tags,
// and the content digests the drive advertises.
type Item struct {
	ID       string
	Name     string
	ParentID string
	Size     int64
	ETag     string
	CTag     string

	// Hashes maps algorithm name (quickXorHash, sha1Hash, sha256Hash) to
	// the digest in the API's text encoding.
	Hashes map[string]string

	Folder  bool
	Package bool
	Root    bool
	Deleted bool

	Modified time.Time
}

// rawItem mirrors the fields of the wire JSON this client reads.
type rawItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	ETag   string `json:"eTag"`
	CTag   string `json:"cTag"`
	Parent *struct {
		ID string `json:"id"`
	} `json:"parentReference"`
	File *struct {
		Hashes map[string]string `json:"hashes"`
	} `json:"file"`
	Folder  *struct{} `json:"folder"`
	Package *struct{} `json:"package"`
	Root    *struct{} `json:"root"`
	Deleted *struct{} `json:"deleted"`
	FSInfo  *struct {
		Modified time.Time `json:"lastModifiedDateTime"`
	} `json:"fileSystemInfo"`
	Modified    time.Time `json:"lastModifiedDateTime"`
	DownloadURL string    `json:"@microsoft.graph.downloadUrl"`
}

// toItem normalizes a rawItem.
func (r *rawItem) toItem() Item {
	it := Item{
		ID:      r.ID,
		Name:    r.Name,
		Size:    r.Size,
		ETag:    r.ETag,
		CTag:    r.CTag,
		Folder:  r.Folder != nil,
		Package: r.Package != nil,
		Root:    r.Root != nil,
		Deleted: r.Deleted != nil,
	}

	if r.Parent != nil {
		it.ParentID = r.Parent.ID
	}

	if r.File != nil {
		it.Hashes = r.File.Hashes
	}

	// fileSystemInfo carries the content's own timestamp; the item-level
	// one reflects metadata churn too. Prefer the former.
	it.Modified = r.Modified
	if r.FSInfo != nil && !r.FSInfo.Modified.IsZero() {
		it.Modified = r.FSInfo.Modified
	}

	return it
}

// decodeItem parses one item body.
func decodeItem(data []byte) (*Item, error) {
	var raw rawItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	it := raw.toItem()

	return &it, nil
}
