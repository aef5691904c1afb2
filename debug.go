package mrindex

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/storage"
)

func symbolString(enum *enumerator.File, id uint32) string {
	s, err := enum.SymbolFor(enumerator.SymbolID(id))
	if err != nil {
		return "?" + strconv.FormatUint(uint64(id), 10)
	}
	return strconv.Quote(s)
}

// Dump prints every posting as key, file and value size, then every
// forward entry, in storage order. Unknown ids print as ?<id>.
func (x *Index[I, K, V]) Dump(w io.Writer) error {
	return x.read(func() error {
		out := bufio.NewWriter(w)
		var werr error
		err := x.store.Postings.All(nil, func(key enumerator.SymbolID, fp storage.FingerprintID, value []byte) bool {
			_, werr = fmt.Fprintf(out, "%s\t%s\t%d\n",
				symbolString(x.keys, uint32(key)), symbolString(x.files, uint32(fp)), len(value))
			return werr == nil
		})
		if err != nil || werr != nil {
			return errorsOr(err, werr)
		}
		fmt.Fprintln(out, "")
		err = x.store.Forward.All(nil, func(fp storage.FingerprintID, keys *roaring.Bitmap) bool {
			line := make([]byte, 0, 128)
			line = append(line, symbolString(x.files, uint32(fp))...)
			line = append(line, " -> "...)
			it := keys.Iterator()
			for i := 0; it.HasNext(); i++ {
				if i > 0 {
					line = append(line, ' ')
				}
				line = append(line, symbolString(x.keys, it.Next())...)
			}
			line = append(line, '\n')
			_, werr = out.Write(line)
			return werr == nil
		})
		if err != nil || werr != nil {
			return errorsOr(err, werr)
		}
		return out.Flush()
	})
}

func errorsOr(err, other error) error {
	if err != nil {
		return err
	}
	return other
}
