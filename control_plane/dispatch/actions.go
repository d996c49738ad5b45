package dispatch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

// Action is one entry of the closed agent action vocabulary.
type Action string

// File actions.
const (
	ActionList           Action = "list"
	ActionRead           Action = "read"
	ActionWrite          Action = "write"
	ActionMkdir          Action = "mkdir"
	ActionDelete         Action = "delete"
	ActionRename         Action = "rename"
	ActionChmod          Action = "chmod"
	ActionCopy           Action = "copy"
	ActionStat           Action = "stat"
	ActionTouch          Action = "touch"
	ActionSymlink        Action = "symlink"
	ActionExists         Action = "exists"
	ActionZip            Action = "zip"
	ActionUnzip          Action = "unzip"
	ActionTar            Action = "tar"
	ActionUntar          Action = "untar"
	ActionGzip           Action = "gzip"
	ActionGunzip         Action = "gunzip"
	ActionSearch         Action = "search"
	ActionGrep           Action = "grep"
	ActionDu             Action = "du"
	ActionFileType       Action = "file-type"
	ActionChecksum       Action = "checksum"
	ActionUploadInit     Action = "upload-init"
	ActionUploadChunk    Action = "upload-chunk"
	ActionUploadComplete Action = "upload-complete"
	ActionRestart        Action = "restart"
)

// Database actions.
const (
	ActionDBCreate     Action = "db.create"
	ActionDBDrop       Action = "db.drop"
	ActionDBList       Action = "db.list"
	ActionDBUserCreate Action = "db.user.create"
	ActionDBUserDrop   Action = "db.user.drop"
	ActionDBGrant      Action = "db.grant"
	ActionDBImport     Action = "db.import"
	ActionDBExport     Action = "db.export"
)

// Web server actions.
const (
	ActionWebVhost       Action = "web.vhost"
	ActionWebVhostRemove Action = "web.vhost.remove"
	ActionWebReload      Action = "web.reload"
	ActionWebPHPVersion  Action = "web.php"
)

// SSL actions.
const (
	ActionSSLLetsEncrypt Action = "ssl.letsencrypt"
	ActionSSLInstall     Action = "ssl.install"
	ActionSSLRevoke      Action = "ssl.revoke"
)

// ActionExec runs an arbitrary command on the agent.
const ActionExec Action = "exec"

// Kind groups actions by agent subsystem.
type Kind string

const (
	KindFile     Kind = "file"
	KindDatabase Kind = "database"
	KindWeb      Kind = "web"
	KindSSL      Kind = "ssl"
	KindExec     Kind = "exec"
)

// MessageType is the tunnel envelope type for actions of this kind.
func (k Kind) MessageType() tunnel.MessageType {
	switch k {
	case KindDatabase:
		return tunnel.TypeDatabaseAction
	case KindWeb:
		return tunnel.TypeWebAction
	case KindSSL:
		return tunnel.TypeSSLAction
	case KindExec:
		return tunnel.TypeExecCommand
	default:
		return tunnel.TypeFileAction
	}
}

// Endpoint is the direct-mode route of an action on the agent HTTP API.
type Endpoint struct {
	Kind    Kind
	Method  string
	Path    string
	Timeout time.Duration
}

const (
	light  = 10 * time.Second
	medium = 30 * time.Second
	heavy  = 60 * time.Second
)

var endpoints = map[Action]Endpoint{
	ActionList:           {KindFile, http.MethodGet, "/fs/ls", light},
	ActionRead:           {KindFile, http.MethodGet, "/fs/read", light},
	ActionWrite:          {KindFile, http.MethodPost, "/fs/write", medium},
	ActionMkdir:          {KindFile, http.MethodPost, "/fs/mkdir", light},
	ActionDelete:         {KindFile, http.MethodPost, "/fs/delete", medium},
	ActionRename:         {KindFile, http.MethodPost, "/fs/rename", light},
	ActionChmod:          {KindFile, http.MethodPost, "/fs/chmod", light},
	ActionCopy:           {KindFile, http.MethodPost, "/fs/copy", medium},
	ActionStat:           {KindFile, http.MethodGet, "/fs/stat", light},
	ActionTouch:          {KindFile, http.MethodPost, "/fs/touch", light},
	ActionSymlink:        {KindFile, http.MethodPost, "/fs/symlink", light},
	ActionExists:         {KindFile, http.MethodGet, "/fs/exists", light},
	ActionZip:            {KindFile, http.MethodPost, "/fs/zip", heavy},
	ActionUnzip:          {KindFile, http.MethodPost, "/fs/unzip", heavy},
	ActionTar:            {KindFile, http.MethodPost, "/fs/tar", heavy},
	ActionUntar:          {KindFile, http.MethodPost, "/fs/untar", heavy},
	ActionGzip:           {KindFile, http.MethodPost, "/fs/gzip", heavy},
	ActionGunzip:         {KindFile, http.MethodPost, "/fs/gunzip", heavy},
	ActionSearch:         {KindFile, http.MethodGet, "/fs/search", medium},
	ActionGrep:           {KindFile, http.MethodGet, "/fs/grep", medium},
	ActionDu:             {KindFile, http.MethodGet, "/fs/du", medium},
	ActionFileType:       {KindFile, http.MethodGet, "/fs/file-type", light},
	ActionChecksum:       {KindFile, http.MethodGet, "/fs/checksum", medium},
	ActionUploadInit:     {KindFile, http.MethodPost, "/fs/upload/init", light},
	ActionUploadChunk:    {KindFile, http.MethodPost, "/fs/upload/chunk", medium},
	ActionUploadComplete: {KindFile, http.MethodPost, "/fs/upload/complete", medium},
	ActionRestart:        {KindFile, http.MethodPost, "/system/restart", medium},

	ActionDBCreate:     {KindDatabase, http.MethodPost, "/db/create", medium},
	ActionDBDrop:       {KindDatabase, http.MethodPost, "/db/drop", medium},
	ActionDBList:       {KindDatabase, http.MethodGet, "/db/list", light},
	ActionDBUserCreate: {KindDatabase, http.MethodPost, "/db/user/create", light},
	ActionDBUserDrop:   {KindDatabase, http.MethodPost, "/db/user/drop", light},
	ActionDBGrant:      {KindDatabase, http.MethodPost, "/db/grant", light},
	ActionDBImport:     {KindDatabase, http.MethodPost, "/db/import", heavy},
	ActionDBExport:     {KindDatabase, http.MethodPost, "/db/export", heavy},

	ActionWebVhost:       {KindWeb, http.MethodPost, "/web/vhost", medium},
	ActionWebVhostRemove: {KindWeb, http.MethodPost, "/web/vhost/remove", medium},
	ActionWebReload:      {KindWeb, http.MethodPost, "/web/reload", medium},
	ActionWebPHPVersion:  {KindWeb, http.MethodPost, "/web/php", medium},

	ActionSSLLetsEncrypt: {KindSSL, http.MethodPost, "/ssl/letsencrypt", heavy},
	ActionSSLInstall:     {KindSSL, http.MethodPost, "/ssl/install", medium},
	ActionSSLRevoke:      {KindSSL, http.MethodPost, "/ssl/revoke", medium},

	ActionExec: {KindExec, http.MethodPost, "/system/exec", heavy},
}

// HeartbeatPath is the agent liveness endpoint polled by the health monitor.
const HeartbeatPath = "/heartbeat"

// Lookup returns the endpoint for a, or ErrUnknownAction.
func Lookup(a Action) (Endpoint, error) {
	ep, ok := endpoints[a]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	return ep, nil
}

// Actions returns every known action.
func Actions() []Action {
	out := make([]Action, 0, len(endpoints))
	for a := range endpoints {
		out = append(out, a)
	}
	return out
}

// fallbackEligible lists actions that may be served over SFTP when the agent is unreachable.
// Mutating actions stay agent-only so jail and quota checks are never bypassed.
func fallbackEligible(a Action) bool {
	return a == ActionList
}
