package storage

import "context"

// readOnlyKV запрещает запись в нижнее хранилище.
type readOnlyKV struct {
	KV
}

// ReadOnly оборачивает kv: Put и Delete возвращают ErrReadOnly.
func ReadOnly(kv KV) KV {
	if ro, ok := kv.(readOnlyKV); ok {
		return ro
	}
	return readOnlyKV{KV: kv}
}

func (readOnlyKV) Put(context.Context, []byte, []byte) error { return ErrReadOnly }
func (readOnlyKV) Delete(context.Context, []byte) error      { return ErrReadOnly }
