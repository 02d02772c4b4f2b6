package pdfmerge

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// writeCanonical rewrites the PDF in raw to w so that equal documents produce equal bytes.
//
// Objects reachable from the catalog are renumbered in breadth-first order (dictionary keys
// sorted, arrays in order) and written with a classic xref table. The info dictionary is
// dropped since it only carries the writer's timestamps, and the file ID is derived from
// the body. Stream data is copied as it is.
func (e *Engine) writeCanonical(raw []byte, w io.Writer) error {
	ctx, err := api.ReadContext(bytes.NewReader(raw), e.newConf())
	if err != nil {
		return fmt.Errorf("read merged pdf: %w", err)
	}
	if ctx.Root == nil {
		return fmt.Errorf("merged pdf has no catalog")
	}

	order, numbers := canonicalOrder(ctx.XRefTable)

	var body bytes.Buffer
	version := "1.7"
	if ctx.XRefTable.Version() == model.V20 {
		version = "2.0"
	}
	fmt.Fprintf(&body, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", version)

	offsets := make([]int, len(order)+1)
	for i, objNr := range order {
		newNr := i + 1
		offsets[newNr] = body.Len()
		if err := writeObject(&body, newNr, ctx.Table[objNr].Object, numbers); err != nil {
			return fmt.Errorf("object %d: %w", objNr, err)
		}
	}

	sum := sha256.Sum256(body.Bytes())
	fileID := hex.EncodeToString(sum[:16])

	xrefOffset := body.Len()
	fmt.Fprintf(&body, "xref\n0 %d\n", len(offsets))
	body.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&body, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&body, "trailer\n<</ID [<%s> <%s>] /Root %d 0 R /Size %d>>\nstartxref\n%d\n%%%%EOF\n",
		fileID, fileID, numbers[int(ctx.Root.ObjectNumber)], len(offsets), xrefOffset)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(body.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// canonicalOrder lists the live object numbers reachable from the catalog and maps each to
// its new number.
func canonicalOrder(xt *model.XRefTable) ([]int, map[int]int) {
	numbers := map[int]int{}
	var order []int
	visit := func(objNr int) {
		if _, seen := numbers[objNr]; seen {
			return
		}
		if _, ok := resolve(xt, objNr); !ok {
			return
		}
		order = append(order, objNr)
		numbers[objNr] = len(order)
	}

	visit(int(xt.Root.ObjectNumber))
	for i := 0; i < len(order); i++ {
		o, _ := resolve(xt, order[i])
		forEachRef(o, visit)
	}
	return order, numbers
}

func sortedKeys(d types.Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resolve(xt *model.XRefTable, objNr int) (types.Object, bool) {
	entry, ok := xt.Table[objNr]
	if !ok || entry == nil || entry.Free || entry.Object == nil {
		return nil, false
	}
	return entry.Object, true
}

// forEachRef calls fn for every indirect reference inside o in a stable order.
func forEachRef(o types.Object, fn func(objNr int)) {
	switch o := o.(type) {
	case types.IndirectRef:
		fn(int(o.ObjectNumber))
	case *types.IndirectRef:
		fn(int(o.ObjectNumber))
	case types.Dict:
		for _, k := range sortedKeys(o) {
			forEachRef(o[k], fn)
		}
	case types.Array:
		for _, v := range o {
			forEachRef(v, fn)
		}
	case types.StreamDict:
		// Length is rewritten as a direct value
		for _, k := range sortedKeys(o.Dict) {
			if k != "Length" {
				forEachRef(o.Dict[k], fn)
			}
		}
	}
}

// renumber copies o with every reference replaced by its new number. References to objects
// that are not written become null.
func renumber(o types.Object, numbers map[int]int) types.Object {
	switch o := o.(type) {
	case types.IndirectRef:
		return renumberRef(o, numbers)
	case *types.IndirectRef:
		return renumberRef(*o, numbers)
	case types.Dict:
		d := types.NewDict()
		for k, v := range o {
			d[k] = renumber(v, numbers)
		}
		return d
	case types.Array:
		a := make(types.Array, len(o))
		for i, v := range o {
			a[i] = renumber(v, numbers)
		}
		return a
	default:
		return o
	}
}

func renumberRef(ref types.IndirectRef, numbers map[int]int) types.Object {
	n, ok := numbers[int(ref.ObjectNumber)]
	if !ok {
		return nil
	}
	return *types.NewIndirectRef(n, 0)
}

func writeObject(buf *bytes.Buffer, objNr int, o types.Object, numbers map[int]int) error {
	fmt.Fprintf(buf, "%d 0 obj\n", objNr)
	switch o := o.(type) {
	case types.StreamDict:
		if o.Raw == nil && o.Content != nil {
			if err := o.Encode(); err != nil {
				return err
			}
		}
		d := renumber(o.Dict, numbers).(types.Dict)
		d["Length"] = types.Integer(len(o.Raw))
		buf.WriteString(d.PDFString())
		buf.WriteString("\nstream\n")
		buf.Write(o.Raw)
		buf.WriteString("\nendstream")
	case types.ObjectStreamDict, types.XRefStreamDict:
		return fmt.Errorf("unexpected cross-reference structure %T", o)
	default:
		r := renumber(o, numbers)
		if r == nil {
			buf.WriteString("null")
		} else {
			buf.WriteString(r.PDFString())
		}
	}
	buf.WriteString("\nendobj\n")
	return nil
}
