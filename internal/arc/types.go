// Package arc holds the storage and synchronization core: the domain types,
// the interfaces its engines implement, and the services built on them.
package arc

import "arcstore/internal/patch"

// Kind is the kind of a stored file.
type Kind string

const (
	KindWorkspace   Kind = "workspace"
	KindProject     Kind = "project"
	KindEnvironment Kind = "environment"
)

// FileKinds lists every file kind in key order.
var FileKinds = []Kind{KindEnvironment, KindProject, KindWorkspace}

// Valid reports whether k is a known file kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkspace, KindProject, KindEnvironment:
		return true
	}
	return false
}

// ParseKind parses a file kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", invalidInput("unknown file kind %q", s)
	}
	return k, nil
}

// PermissionType is the audience a permission grants access to.
type PermissionType string

const (
	PermissionUser   PermissionType = "user"
	PermissionGroup  PermissionType = "group"
	PermissionAnyone PermissionType = "anyone"
)

// Valid reports whether t is a known permission type.
func (t PermissionType) Valid() bool {
	switch t {
	case PermissionUser, PermissionGroup, PermissionAnyone:
		return true
	}
	return false
}

// Modification records who changed something and when (unix milliseconds).
type Modification struct {
	User string `json:"user"`
	Time int64  `json:"time"`
	Name string `json:"name,omitempty"`
}

// FileInfo is the user-visible description of a file.
type FileInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// File is a workspace, project or environment. Permissions and Capabilities
// are never persisted: they are computed on read for the requesting user.
type File struct {
	Key           string         `json:"key"`
	Kind          Kind           `json:"kind"`
	Info          FileInfo       `json:"info"`
	Owner         string         `json:"owner"`
	Parents       []string       `json:"parents"`
	PermissionIDs []string       `json:"permissionIds"`
	Permissions   []Permission   `json:"permissions,omitempty"`
	Deleted       bool           `json:"deleted,omitempty"`
	DeletedInfo   *Modification  `json:"deletedInfo,omitempty"`
	LastModified  Modification   `json:"lastModified"`
	Capabilities  *Capabilities  `json:"capabilities,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Chain returns the file's ancestor keys followed by its own key.
func (f *File) Chain() []string {
	chain := make([]string, 0, len(f.Parents)+1)
	chain = append(chain, f.Parents...)
	return append(chain, f.Key)
}

// Parent returns the nearest parent key or "".
func (f *File) Parent() string {
	if len(f.Parents) == 0 {
		return ""
	}
	return f.Parents[len(f.Parents)-1]
}

// Permission grants a role on a file to a user, a group or anyone.
type Permission struct {
	Key            string         `json:"key"`
	Type           PermissionType `json:"type"`
	Owner          string         `json:"owner,omitempty"`
	Role           Role           `json:"role"`
	DisplayName    string         `json:"displayName,omitempty"`
	AddingUser     string         `json:"addingUser"`
	ExpirationTime int64          `json:"expirationTime,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	DeletedTime    int64          `json:"deletedTime,omitempty"`
	DeletingUser   string         `json:"deletingUser,omitempty"`
}

// Active reports whether p is neither deleted nor expired at nowMs.
func (p *Permission) Active(nowMs int64) bool {
	if p.Deleted {
		return false
	}
	return p.ExpirationTime == 0 || p.ExpirationTime > nowMs
}

// Capabilities are the UI hints derived from the caller's role on a file.
type Capabilities struct {
	CanEdit          bool `json:"canEdit"`
	CanComment       bool `json:"canComment"`
	CanShare         bool `json:"canShare"`
	CanCopy          bool `json:"canCopy"`
	CanReadRevisions bool `json:"canReadRevisions"`
	CanAddChildren   bool `json:"canAddChildren"`
	CanDelete        bool `json:"canDelete"`
	CanListChildren  bool `json:"canListChildren"`
	CanRename        bool `json:"canRename"`
	CanReadMedia     bool `json:"canReadMedia"`
	CanEditMedia     bool `json:"canEditMedia"`
}

// User is an account known to the store.
type User struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Email   string   `json:"email,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Revision alternates.
const (
	AltMeta  = "meta"
	AltMedia = "media"
	AltApp   = "app"
)

// Revision is one entry of an object's change history. Patch holds the
// inverse of the change it records, so applying it moves the object one step
// back in time.
type Revision struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`
	Kind         string            `json:"kind"`
	Alt          string            `json:"alt"`
	Created      int64             `json:"created"`
	Patch        []patch.Operation `json:"patch"`
	Modification Modification      `json:"modification"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// Bin kinds.
const (
	BinFile = "file"
	BinApp  = "app"
)

// BinItem is a tombstone for a soft-deleted object.
type BinItem struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	DeletedBy   string `json:"deletedBy"`
	DeletedTime int64  `json:"deletedTime"`
}

// SharedLink records that a file is shared with a user.
type SharedLink struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	UID    string `json:"uid"`
	Parent string `json:"parent,omitempty"`
}

// Media is the payload of a file, stored apart from its metadata.
type Media struct {
	Key          string       `json:"key"`
	Kind         Kind         `json:"kind"`
	Value        any          `json:"value"`
	LastModified Modification `json:"lastModified"`
}

// HistoryRecord is one logged HTTP request.
type HistoryRecord struct {
	Key     string         `json:"key"`
	App     string         `json:"app"`
	User    string         `json:"user"`
	Space   string         `json:"space,omitempty"`
	Project string         `json:"project,omitempty"`
	Request string         `json:"request,omitempty"`
	Created int64          `json:"created"`
	Data    map[string]any `json:"data"`
}

// AppItem is a record owned by one user inside one application.
type AppItem struct {
	Key          string         `json:"key"`
	Kind         string         `json:"kind"`
	App          string         `json:"app"`
	User         string         `json:"user"`
	Created      int64          `json:"created"`
	LastModified Modification   `json:"lastModified"`
	Deleted      bool           `json:"deleted,omitempty"`
	DeletedInfo  *Modification  `json:"deletedInfo,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}
