// Package httputil holds the JSON response helpers shared by the API
// handlers. Errors use a single envelope: {"error": message, "code": code}.
package httputil
