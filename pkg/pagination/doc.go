// Package pagination pages the host's list results.
//
// List methods (tools/list, prompts/list, resources/list) return at most
// one page of descriptors when a page size is configured, plus an opaque
// nextCursor the client passes back to fetch the following page:
//
//	page, err := pagination.Paginate(tools, params.Cursor, pageSize, reg.Generation())
//	if err != nil {
//	    return nil, mcperrors.InvalidCursor(params.Cursor)
//	}
//	result := protocol.ListToolsResult{Tools: page.Items}
//	result.NextCursor = page.NextCursor
//
// Cursors carry the registry generation they were issued for. After a
// refresh the old cursors no longer decode, since the offsets they hold
// refer to a table that is gone.
package pagination
