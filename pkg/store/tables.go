package store

// Tables groups every keyspace the core router depends on behind one
// sqlite3 handle. The blocks table is deliberately absent here: it
// belongs to pkg/journal, which opens it against the same *DB.
type Tables struct {
	Addrs         *Table[AddressData]
	Routes        *Table[RouteData]
	Subscriptions *Table[SubscriptionData]
	Incomplete    *Table[IncompleteBlockData]
	Manifests     *Table[ManifestEntry]
	Frames        *Table[FrameEntry]
}

// OpenTables opens every core table against db, creating each one if
// missing.
func OpenTables(db *DB) (*Tables, error) {
	addrs, err := OpenTable[AddressData](db, "addrs", AddressDataCodec{})
	if err != nil {
		return nil, err
	}
	routes, err := OpenTable[RouteData](db, "routes", RouteDataCodec{})
	if err != nil {
		return nil, err
	}
	subs, err := OpenTable[SubscriptionData](db, "subscriptions", SubscriptionDataCodec{})
	if err != nil {
		return nil, err
	}
	incomplete, err := OpenTable[IncompleteBlockData](db, "incomplete", IncompleteBlockDataCodec{})
	if err != nil {
		return nil, err
	}
	manifests, err := OpenTable[ManifestEntry](db, "manifests", ManifestEntryCodec{})
	if err != nil {
		return nil, err
	}
	frames, err := OpenTable[FrameEntry](db, "frames", FrameEntryCodec{})
	if err != nil {
		return nil, err
	}

	return &Tables{
		Addrs:         addrs,
		Routes:        routes,
		Subscriptions: subs,
		Incomplete:    incomplete,
		Manifests:     manifests,
		Frames:        frames,
	}, nil
}
