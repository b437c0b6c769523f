// Command pgcollections serves PostGIS tables as OGC API collections: GeoJSON
// items, Mapbox vector tiles and column statistics.
package main

func main() {
	Main()
}
