package storage

// PrefixedStorageDriver scopes another driver to a key prefix so several
// stores can share one database.
type PrefixedStorageDriver struct {
	prefix        []byte
	storageDriver StorageDriver
}

func NewPrefixedStorageDriver(prefix []byte, storageDriver StorageDriver) *PrefixedStorageDriver {
	return &PrefixedStorageDriver{prefix, storageDriver}
}

func (psd *PrefixedStorageDriver) Open() error {
	return nil
}

func (psd *PrefixedStorageDriver) Close() error {
	return nil
}

func (psd *PrefixedStorageDriver) Recover() error {
	return psd.storageDriver.Recover()
}

func (psd *PrefixedStorageDriver) Compact() error {
	return psd.storageDriver.Compact()
}

func (psd *PrefixedStorageDriver) addPrefix(k []byte) []byte {
	result := make([]byte, 0, len(psd.prefix)+len(k))

	result = append(result, psd.prefix...)
	result = append(result, k...)

	return result
}

func (psd *PrefixedStorageDriver) Get(keys [][]byte) ([][]byte, error) {
	prefixKeys := make([][]byte, len(keys))

	for i := range keys {
		if keys[i] != nil {
			prefixKeys[i] = psd.addPrefix(keys[i])
		}
	}

	return psd.storageDriver.Get(prefixKeys)
}

func (psd *PrefixedStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
	prefixKeys := make([][]byte, len(keys))

	for i := range keys {
		prefixKeys[i] = psd.addPrefix(keys[i])
	}

	iter, err := psd.storageDriver.GetMatches(prefixKeys)

	if err != nil {
		return nil, err
	}

	return &PrefixedIterator{psd.prefix, iter}, nil
}

func (psd *PrefixedStorageDriver) GetRange(start []byte, end []byte) (StorageIterator, error) {
	iter, err := psd.storageDriver.GetRange(psd.addPrefix(start), psd.addPrefix(end))

	if err != nil {
		return nil, err
	}

	return &PrefixedIterator{psd.prefix, iter}, nil
}

func (psd *PrefixedStorageDriver) Batch(batch *Batch) error {
	prefixedBatch := NewBatch()

	for _, op := range batch.Ops() {
		if op.IsPut() {
			prefixedBatch.Put(psd.addPrefix(op.Key()), op.Value())
		} else {
			prefixedBatch.Delete(psd.addPrefix(op.Key()))
		}
	}

	return psd.storageDriver.Batch(prefixedBatch)
}

type PrefixedIterator struct {
	prefix   []byte
	iterator StorageIterator
}

func (prefixedIterator *PrefixedIterator) Next() bool {
	return prefixedIterator.iterator.Next()
}

func (prefixedIterator *PrefixedIterator) Prefix() []byte {
	prefix := prefixedIterator.iterator.Prefix()

	if prefix == nil {
		return nil
	}

	return prefix[len(prefixedIterator.prefix):]
}

func (prefixedIterator *PrefixedIterator) Key() []byte {
	key := prefixedIterator.iterator.Key()

	if key == nil {
		return nil
	}

	return key[len(prefixedIterator.prefix):]
}

func (prefixedIterator *PrefixedIterator) Value() []byte {
	return prefixedIterator.iterator.Value()
}

func (prefixedIterator *PrefixedIterator) Release() {
	prefixedIterator.iterator.Release()
}

func (prefixedIterator *PrefixedIterator) Error() error {
	return prefixedIterator.iterator.Error()
}
