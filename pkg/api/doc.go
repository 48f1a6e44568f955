// Package api provides the administrative HTTP API for plugd.
//
// Routes:
//
//	POST   /api/v1/plugins?force=bool      install a package (multipart field "file" or raw body)
//	GET    /api/v1/plugins                 list persisted plugins with their live state
//	GET    /api/v1/plugins/{key}           get one plugin
//	DELETE /api/v1/plugins/{key}           uninstall
//	POST   /api/v1/plugins/{key}/invoke    call a method: {"method": "greet", "args": ["bob"]}
//	POST   /api/v1/packages/inspect        read a package manifest without installing
//
// Install answers 201 with {"code": 0, "data": manifest} when the plugin went live
// and 409 with {"code": 1, "message": ..., "reason": ...} when the install must be
// repeated with force=true. Errors are written as {"error": "..."}; validation
// failures map to 422, unknown plugins to 404 and everything else to 500.
package api
