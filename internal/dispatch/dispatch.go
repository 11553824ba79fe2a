// Package dispatch implements the request dispatcher (spec.md §4.8, C8):
// the single place that turns an IPC request into a language-detected,
// cache-checked, pool-checked-out LSP call and feeds the result back into
// both the cache and the health monitor.
package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/health"
	"github.com/standardbeagle/lsp-daemon/internal/langdetect"
	"github.com/standardbeagle/lsp-daemon/internal/lspregistry"
	"github.com/standardbeagle/lsp-daemon/internal/lspserver"
	"github.com/standardbeagle/lsp-daemon/internal/negedge"
	"github.com/standardbeagle/lsp-daemon/internal/pool"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
	"github.com/standardbeagle/lsp-daemon/internal/uid"
)

// Request is one incoming LSP-shaped query the dispatcher must resolve.
type Request struct {
	WorkspaceID  int64
	WorkspaceRoot string
	FilePath     string
	Content      []byte // current on-disk content, used for digesting and didOpen
	Operation    cache.Operation
	Line         int
	Column       int
	SymbolUID    string // set when the caller already knows the symbol (e.g. references)
	SymbolName   string // used to mint a UID when SymbolUID is empty
	IncludeDeclaration bool
	Timeout      time.Duration
}

// Result is what the dispatcher hands back to the IPC layer: either an
// edge-backed typed payload or a raw blob from the universal cache, never
// both.
type Result struct {
	CallHierarchy *storage.CallHierarchy
	Edges         []storage.Edge
	Blob          json.RawMessage
	CacheHit      bool
}

// Dispatcher wires together every other component per spec.md §4.8's
// eight-step flow: detect language, digest content, build the cache key,
// probe the cache, check the circuit breaker, check out a pool server,
// call it, classify the response, fill the cache, and return the server.
type Dispatcher struct {
	backend  storage.Backend
	cache    *cache.Cache
	pools    *pool.Manager
	health   *health.Monitor
	registry *lspregistry.Registry
}

// New constructs a Dispatcher over its already-wired dependencies.
func New(backend storage.Backend, c *cache.Cache, pools *pool.Manager, healthMon *health.Monitor, registry *lspregistry.Registry) *Dispatcher {
	return &Dispatcher{backend: backend, cache: c, pools: pools, health: healthMon, registry: registry}
}

// Dispatch implements the full request flow. It never panics on a
// malformed request; every failure mode is an *errors.Error with a Kind
// the caller can branch on.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	language, err := langdetect.Detect(req.FilePath)
	if err != nil {
		return Result{}, err
	}

	digest := uid.ContentHash(req.Content)
	symbolUID := req.SymbolUID
	if symbolUID == "" && req.SymbolName != "" {
		// Request lines are 0-based per LSP convention; UID lines are 1-based.
		symbolUID, err = uid.UID(req.WorkspaceRoot, req.FilePath, req.Content, req.SymbolName, req.Line+1)
		if err != nil {
			return Result{}, err
		}
	}

	relPath := uid.WorkspaceRelative(req.FilePath, req.WorkspaceRoot)
	policy := d.cache.Policy(req.Operation)

	if cache.IsEdgeBacked(req.Operation) {
		result, hit, err := d.serveFromEdges(req, symbolUID)
		if err != nil {
			return Result{}, err
		}
		if hit {
			d.bumpHit()
			return result, nil
		}
	} else if policy.Enabled {
		key := blobKey(req, relPath, digest)
		if v, ok, err := d.cache.GetUniversalEntry(key); err != nil {
			return Result{}, errors.Wrap(errors.StorageError, "reading universal cache entry", err)
		} else if ok {
			d.bumpHit()
			return Result{Blob: v, CacheHit: true}, nil
		}
	}
	d.bumpMiss()

	if d.health.ShouldRejectRequest(language, req.WorkspaceRoot) {
		return Result{}, errors.New(errors.CircuitOpen, "circuit breaker open for "+language+" at "+req.WorkspaceRoot)
	}

	if _, ok := d.registry.Get(language); !ok {
		return Result{}, errors.New(errors.UnknownLanguage, "no lsp server registered for language "+language)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := d.pools.GetPool(language, req.WorkspaceRoot)
	proc, err := p.GetServer(callCtx)
	if err != nil {
		d.health.MarkFailure(language, req.WorkspaceRoot)
		return Result{}, err
	}

	start := time.Now()
	result, err := d.callServer(callCtx, proc, req, symbolUID, digest, relPath)
	p.ReturnServer(proc)

	if err != nil {
		d.health.MarkFailure(language, req.WorkspaceRoot)
		return Result{}, err
	}
	d.health.MarkSuccessLatency(language, req.WorkspaceRoot, time.Since(start))
	return result, nil
}

func (d *Dispatcher) bumpHit() {
	one := int64(1)
	_, _ = d.cache.UpdateHitMissCounts(&one, nil)
}

func (d *Dispatcher) bumpMiss() {
	one := int64(1)
	_, _ = d.cache.UpdateHitMissCounts(nil, &one)
}

// serveFromEdges probes internal/storage's typed readers for an
// already-analyzed edge-backed operation, returning hit=false on a genuine
// miss (never analyzed) so the caller falls through to the LSP call.
func (d *Dispatcher) serveFromEdges(req Request, symbolUID string) (Result, bool, error) {
	if req.Operation == cache.OpCallHierarchy {
		ch, err := d.backend.GetCallHierarchyForSymbol(req.WorkspaceID, symbolUID)
		if err != nil {
			return Result{}, false, errors.Wrap(errors.StorageError, "reading call hierarchy", err)
		}
		if ch == nil {
			return Result{}, false, nil
		}
		return Result{CallHierarchy: ch, CacheHit: true}, true, nil
	}

	relation, err := relationFor(req.Operation)
	if err != nil {
		return Result{}, false, err
	}
	analyzed, err := d.backend.HasAnalyzed(req.WorkspaceID, symbolUID, relation)
	if err != nil {
		return Result{}, false, errors.Wrap(errors.StorageError, "checking edge analysis", err)
	}
	if !analyzed {
		return Result{}, false, nil
	}

	var edges []storage.Edge
	switch relation {
	case storage.Reference:
		edges, err = d.backend.GetReferencesForSymbol(req.WorkspaceID, symbolUID, req.IncludeDeclaration)
	case storage.Definition:
		edges, err = d.backend.GetDefinitionsForSymbol(req.WorkspaceID, symbolUID)
	case storage.Implementation:
		edges, err = d.backend.GetImplementationsForSymbol(req.WorkspaceID, symbolUID)
	}
	if err != nil {
		return Result{}, false, errors.Wrap(errors.StorageError, "reading edges", err)
	}
	if edges == nil {
		edges = []storage.Edge{}
	}
	return Result{Edges: edges, CacheHit: true}, true, nil
}

// relationFor maps an edge-backed operation to its storage relation.
func relationFor(op cache.Operation) (storage.Relation, error) {
	switch op {
	case cache.OpReferences:
		return storage.Reference, nil
	case cache.OpDefinition:
		return storage.Definition, nil
	case cache.OpImplementation:
		return storage.Implementation, nil
	default:
		return "", errors.New(errors.InvalidInput, "operation is not edge-backed: "+string(op))
	}
}

// callServer issues the actual LSP request, classifies the response, and
// writes the result (real or negative) into storage/cache before returning
// it to the caller.
func (d *Dispatcher) callServer(ctx context.Context, proc *lspserver.Process, req Request, symbolUID, digest, relPath string) (Result, error) {
	if err := proc.OpenDocument(req.FilePath, req.Content, proc.Language); err != nil {
		return Result{}, errors.Wrap(errors.LspProtocol, "opening document", err)
	}

	fileVersionID, err := d.backend.CreateFileVersion(req.WorkspaceID, relPath, digest)
	if err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "recording file version", err)
	}

	if req.Operation == cache.OpCallHierarchy {
		raw, err := proc.CallHierarchy(ctx, req.FilePath, req.Line, req.Column)
		if err != nil {
			return Result{}, err
		}
		return d.classifyCallHierarchy(ctx, proc, req, symbolUID, fileVersionID, raw)
	}

	if cache.IsEdgeBacked(req.Operation) {
		relation, err := relationFor(req.Operation)
		if err != nil {
			return Result{}, err
		}
		raw, err := proc.SendRequest(ctx, operationMethod(req.Operation), positionParams(req))
		if err != nil {
			return Result{}, err
		}
		return d.classifyLocations(req, symbolUID, fileVersionID, relation, raw)
	}

	raw, err := proc.SendRequest(ctx, operationMethod(req.Operation), positionParams(req))
	if err != nil {
		return Result{}, err
	}
	return d.classifyBlob(req, digest, relPath, raw)
}

// positionParams builds the standard textDocument/position params shared by
// most LSP requests; references additionally carry their context object,
// and workspace/symbol takes a bare query instead of a position.
func positionParams(req Request) map[string]interface{} {
	if req.Operation == cache.OpWorkspaceSymbols {
		return map[string]interface{}{"query": req.SymbolName}
	}
	params := map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": "file://" + req.FilePath},
		"position":     map[string]interface{}{"line": req.Line, "character": req.Column},
	}
	if req.Operation == cache.OpReferences {
		params["context"] = map[string]interface{}{"includeDeclaration": req.IncludeDeclaration}
	}
	return params
}

func operationMethod(op cache.Operation) string {
	switch op {
	case cache.OpHover:
		return "textDocument/hover"
	case cache.OpDocumentSymbols:
		return "textDocument/documentSymbol"
	case cache.OpTypeDefinition:
		return "textDocument/typeDefinition"
	case cache.OpReferences:
		return "textDocument/references"
	case cache.OpImplementation:
		return "textDocument/implementation"
	case cache.OpWorkspaceSymbols:
		return "workspace/symbol"
	case cache.OpFoldingRange:
		return "textDocument/foldingRange"
	case cache.OpSelectionRange:
		return "textDocument/selectionRange"
	case cache.OpCompletion:
		return "textDocument/completion"
	case cache.OpCodeAction:
		return "textDocument/codeAction"
	case cache.OpRename:
		return "textDocument/rename"
	default:
		return "textDocument/definition"
	}
}

// lspRange/lspLocation/hierarchyItem are the slices of the LSP wire types
// the classifier needs; everything else in the server's response is ignored.
type lspRange struct {
	Start struct {
		Line      int `json:"line"`
		Character int `json:"character"`
	} `json:"start"`
}

type lspLocation struct {
	URI       string    `json:"uri"`
	TargetURI string    `json:"targetUri"` // LocationLink variant
	Range     *lspRange `json:"range"`
	TargetRange *lspRange `json:"targetSelectionRange"`
}

type hierarchyItem struct {
	Name           string   `json:"name"`
	URI            string   `json:"uri"`
	SelectionRange lspRange `json:"selectionRange"`
}

type incomingCallEntry struct {
	From hierarchyItem `json:"from"`
}

type outgoingCallEntry struct {
	To hierarchyItem `json:"to"`
}

func isNullResponse(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// uriToPath strips the file:// scheme from an LSP document URI.
func uriToPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// mintUID builds the UID of a symbol located in another file, reading that
// file's current bytes for the content digest. A file that cannot be read
// (deleted between the LSP answer and now, or a virtual document) hashes as
// empty rather than failing the whole classification.
func mintUID(workspaceRoot, path, name string, zeroBasedLine int) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		content = nil
	}
	return uid.UID(workspaceRoot, path, content, name, zeroBasedLine+1)
}

// classifyCallHierarchy handles the three response classes of spec.md §4.8
// step 7 for call hierarchy. A null prepare response leaves the cache
// untouched entirely: it is the server declining to answer (no provider for
// this position), not evidence the symbol has no calls. An empty prepare
// array, or prepared items whose incoming and outgoing resolutions are both
// empty, materializes negative edges. Anything else resolves into real
// edges stored under the current anchor file version.
func (d *Dispatcher) classifyCallHierarchy(ctx context.Context, proc *lspserver.Process, req Request, symbolUID string, fileVersionID int64, raw json.RawMessage) (Result, error) {
	if isNullResponse(raw) {
		return Result{CallHierarchy: &storage.CallHierarchy{Incoming: []storage.CallItem{}, Outgoing: []storage.CallItem{}}}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return Result{}, errors.Wrap(errors.LspProtocol, "decoding prepareCallHierarchy result", err)
	}

	if len(items) == 0 {
		edges := negedge.CreateNoneCallHierarchyEdges(req.WorkspaceID, symbolUID, fileVersionID)
		if err := d.backend.StoreEdges(edges); err != nil {
			return Result{}, errors.Wrap(errors.StorageError, "storing negative call hierarchy edges", err)
		}
		return Result{CallHierarchy: &storage.CallHierarchy{Incoming: []storage.CallItem{}, Outgoing: []storage.CallItem{}}}, nil
	}

	incomingRaw, err := proc.IncomingCalls(ctx, items[0])
	if err != nil {
		return Result{}, err
	}
	outgoingRaw, err := proc.OutgoingCalls(ctx, items[0])
	if err != nil {
		return Result{}, err
	}

	var edges []storage.Edge
	var symbols []storage.Symbol

	var incoming []incomingCallEntry
	if !isNullResponse(incomingRaw) {
		if err := json.Unmarshal(incomingRaw, &incoming); err != nil {
			return Result{}, errors.Wrap(errors.LspProtocol, "decoding incomingCalls result", err)
		}
	}
	for _, call := range incoming {
		edge, sym, err := d.hierarchyEdge(req, symbolUID, fileVersionID, storage.IncomingCall, call.From)
		if err != nil {
			return Result{}, err
		}
		edges = append(edges, edge)
		symbols = append(symbols, sym)
	}
	if len(incoming) == 0 {
		edges = append(edges, negedge.CreateNoneCallHierarchyEdges(req.WorkspaceID, symbolUID, fileVersionID)[0])
	}

	var outgoing []outgoingCallEntry
	if !isNullResponse(outgoingRaw) {
		if err := json.Unmarshal(outgoingRaw, &outgoing); err != nil {
			return Result{}, errors.Wrap(errors.LspProtocol, "decoding outgoingCalls result", err)
		}
	}
	for _, call := range outgoing {
		edge, sym, err := d.hierarchyEdge(req, symbolUID, fileVersionID, storage.OutgoingCall, call.To)
		if err != nil {
			return Result{}, err
		}
		edges = append(edges, edge)
		symbols = append(symbols, sym)
	}
	if len(outgoing) == 0 {
		edges = append(edges, negedge.CreateNoneCallHierarchyEdges(req.WorkspaceID, symbolUID, fileVersionID)[1])
	}

	if err := d.backend.StoreSymbols(symbols); err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "storing call hierarchy symbols", err)
	}
	if err := d.backend.StoreEdges(edges); err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "storing call hierarchy edges", err)
	}

	ch, err := d.backend.GetCallHierarchyForSymbol(req.WorkspaceID, symbolUID)
	if err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "reading call hierarchy after fill", err)
	}
	return Result{CallHierarchy: ch}, nil
}

// hierarchyEdge converts one resolved call-hierarchy counterpart into a
// stored edge and its symbol row.
func (d *Dispatcher) hierarchyEdge(req Request, symbolUID string, fileVersionID int64, relation storage.Relation, item hierarchyItem) (storage.Edge, storage.Symbol, error) {
	path := uriToPath(item.URI)
	name := item.Name
	if name == "" {
		name = req.SymbolName
	}
	targetUID, err := mintUID(req.WorkspaceRoot, path, name, item.SelectionRange.Start.Line)
	if err != nil {
		return storage.Edge{}, storage.Symbol{}, err
	}

	edge := storage.Edge{
		WorkspaceID: req.WorkspaceID,
		SourceUID:   symbolUID,
		TargetUID:   targetUID,
		Relation:    relation,
		Location: &storage.Location{
			FilePath: path,
			Line:     item.SelectionRange.Start.Line + 1,
			Column:   item.SelectionRange.Start.Character + 1,
		},
		Confidence:          1,
		AnchorFileVersionID: fileVersionID,
	}
	sym := storage.Symbol{UID: targetUID, WorkspaceID: req.WorkspaceID, Name: name}
	return edge, sym, nil
}

// classifyLocations handles references/definitions/implementations: a null
// response leaves the cache untouched, an empty array materializes the
// relation's single negative edge, and a populated array becomes real edges
// anchored at the current file version.
func (d *Dispatcher) classifyLocations(req Request, symbolUID string, fileVersionID int64, relation storage.Relation, raw json.RawMessage) (Result, error) {
	if isNullResponse(raw) {
		return Result{Edges: []storage.Edge{}}, nil
	}

	locations, err := decodeLocations(raw)
	if err != nil {
		return Result{}, err
	}

	if len(locations) == 0 {
		var edge storage.Edge
		switch relation {
		case storage.Reference:
			edge = negedge.CreateNoneReferenceEdge(req.WorkspaceID, symbolUID, fileVersionID)
		case storage.Definition:
			edge = negedge.CreateNoneDefinitionEdge(req.WorkspaceID, symbolUID, fileVersionID)
		case storage.Implementation:
			edge = negedge.CreateNoneImplementationEdge(req.WorkspaceID, symbolUID, fileVersionID)
		}
		if err := d.backend.StoreEdges([]storage.Edge{edge}); err != nil {
			return Result{}, errors.Wrap(errors.StorageError, "storing negative edge", err)
		}
		return Result{Edges: []storage.Edge{}}, nil
	}

	name := req.SymbolName
	if name == "" {
		if parsed, perr := uid.Parse(symbolUID); perr == nil {
			name = parsed.Name
		}
	}

	edges := make([]storage.Edge, 0, len(locations))
	for _, loc := range locations {
		uri := loc.URI
		if uri == "" {
			uri = loc.TargetURI
		}
		r := loc.Range
		if r == nil {
			r = loc.TargetRange
		}
		if uri == "" || r == nil {
			continue
		}
		path := uriToPath(uri)
		targetUID, err := mintUID(req.WorkspaceRoot, path, name, r.Start.Line)
		if err != nil {
			return Result{}, err
		}
		edges = append(edges, storage.Edge{
			WorkspaceID: req.WorkspaceID,
			SourceUID:   symbolUID,
			TargetUID:   targetUID,
			Relation:    relation,
			Location: &storage.Location{
				FilePath: path,
				Line:     r.Start.Line + 1,
				Column:   r.Start.Character + 1,
			},
			Confidence:          1,
			AnchorFileVersionID: fileVersionID,
		})
	}

	if err := d.backend.StoreEdges(edges); err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "storing edges", err)
	}
	return Result{Edges: edges}, nil
}

// decodeLocations accepts the three shapes LSP servers answer location
// requests with: a Location array, a LocationLink array (same decode since
// lspLocation carries both field sets), or a single bare Location object.
func decodeLocations(raw json.RawMessage) ([]lspLocation, error) {
	var locations []lspLocation
	if err := json.Unmarshal(raw, &locations); err == nil {
		return locations, nil
	}
	var single lspLocation
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.Wrap(errors.LspProtocol, "decoding location result", err)
	}
	if single.URI == "" && single.TargetURI == "" {
		return nil, nil
	}
	return []lspLocation{single}, nil
}

// classifyBlob fills the universal cache for a non-edge-backed operation.
// An empty-array LSP result is still cached (it's a legitimate negative
// result, not an error); a null response is not, since null means the
// server declined to answer rather than answering "nothing here"
// (spec.md §4.8 step 7).
func (d *Dispatcher) classifyBlob(req Request, digest, relPath string, raw json.RawMessage) (Result, error) {
	if isNullResponse(raw) {
		return Result{Blob: raw}, nil
	}

	if !d.cache.Policy(req.Operation).Enabled {
		return Result{Blob: raw}, nil
	}

	if err := d.cache.SetUniversalEntry(blobKey(req, relPath, digest), raw); err != nil {
		return Result{}, errors.Wrap(errors.StorageError, "filling universal cache", err)
	}
	return Result{Blob: raw}, nil
}

// blobKey builds the universal-cache key for a blob-valued operation;
// workspace-symbol queries embed the query text as the key's extra field
// since the result depends on it rather than on a position.
func blobKey(req Request, relPath, digest string) cache.Key {
	key := cache.Key{
		WorkspaceID:   req.WorkspaceID,
		Operation:     req.Operation,
		RelativePath:  relPath,
		ContentDigest: digest,
		Line:          req.Line,
		Column:        req.Column,
	}
	if req.Operation == cache.OpWorkspaceSymbols {
		key.Extra = req.SymbolName
	}
	return key
}
