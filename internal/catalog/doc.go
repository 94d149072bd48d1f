// Package catalog fetches a photo catalog and the images it lists.
//
// The catalog is a JSON document:
//
//	{"success": true, "photos": [{"url": "...", "title": "...", "description": "..."}]}
//
// Images are fetched per index, optionally through a downloader.Controller
// so they show up in the progress registry, and attached to their entry.
// A failed image never fails the catalog.
package catalog
