// Package rest exposes PostGIS tables as collections over HTTP.
//
// Every route lives under {baseURL}/collections/{schema}.{table}; a bare
// table name resolves in the public schema.
//
//	Route                                                | Description
//	-----------------------------------------------------|----------------------------------------
//	GET  /queryables                                     | Filterable columns and their types
//	GET  /items, POST /items                             | GeoJSON FeatureCollection
//	GET  /items/{id}                                     | One feature by primary key
//	GET  /closest_features?latitude=&longitude=          | Features ordered by distance
//	GET  /tiles                                          | Tileset links and matrix sets
//	GET  /tiles/{tms}/{z}/{row}/{col}                    | Mapbox vector tile, 204 when empty
//	GET  /tiles/{tms}/metadata                           | TileJSON 3.0.0
//	GET  /tiles/cache_size, DELETE /tiles/cache          | Tile cache accounting and invalidation
//	POST /statistics, /bins, /numeric_breaks, /custom_break_values | Column statistics
//
// Item queries accept these parameters:
//
//	Parameter              | Description
//	-----------------------|------------------------------------------------
//	?bbox=minx,miny,maxx,maxy | Intersecting features only
//	?bbox-crs=EPSG:3857    | SRID of bbox (default 4326)
//	?cql_filter=...        | Filter expression, alias ?filter=
//	?properties=a,b        | Projected columns (default all)
//	?sortby=col.desc       | Sort keys, also col, -col
//	?sortdesc=0            | With a single sortby column: 1 ascending, 0 descending
//	?limit=10&offset=0     | Paging, limit capped by configuration
//	?srid=3857             | Output SRID (default 4326)
//	?return_geometry=false | Omit geometries
//	?col=value             | Equality filter on any other column
//
// Errors are JSON bodies of the form {"code": 400, "error": "InvalidFilter", "message": "..."}.
package rest
