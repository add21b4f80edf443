package lookup

// rebuildBloom repopulates the in-memory Bloom prefilter by walking the
// level-0 chain once, since the filter itself is never persisted (it is
// a read-path accelerator, not part of the durable data model).
func (db *Database) rebuildBloom() error {
	addr := db.Forward(0)
	for addr != 0 {
		n, err := db.loadSBLK(addr)
		if err != nil {
			return err
		}
		blk, err := db.loadKVBlk(n.KVBlkN())
		if err != nil {
			return err
		}
		for i := 0; i < n.Pnum(); i++ {
			k, err := blk.PeekKey(n.PiAt(i))
			if err != nil {
				return err
			}
			db.bloom.Add(k)
		}
		addr = n.Forward(0)
	}
	return nil
}
