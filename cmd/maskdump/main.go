// maskdump decodes a captured replication frame against a schema set and
// prints the carried fields and mask bits. Debugging aid for wire captures:
//
//	maskdump -schema schema -frame outbound 0000002a9f3c...
//	cat frame.bin | maskdump -schema schema -frame raw -component Position
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	gonet "github.com/rifthaven/server/internal/net"
	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
)

func main() {
	schemaDir := flag.String("schema", "schema", "schema directory (*.yaml)")
	frameKind := flag.String("frame", "outbound", "frame layout: outbound, inbound or raw")
	compName := flag.String("component", "", "component name (required for -frame raw)")
	flag.Parse()

	if err := run(*schemaDir, *frameKind, *compName, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "maskdump: %v\n", err)
		os.Exit(1)
	}
}

func run(schemaDir, frameKind, compName string, args []string) error {
	set, err := schema.Load(schemaDir)
	if err != nil {
		return err
	}

	payload, err := readInput(args)
	if err != nil {
		return err
	}

	var (
		comp   *schema.Component
		delta  []byte
		entity uint32
	)
	switch frameKind {
	case "outbound":
		e, typeID, d, err := gonet.ParseOutbound(payload)
		if err != nil {
			return err
		}
		if comp = set.ByID(typeID); comp == nil {
			return fmt.Errorf("unknown component type %#08x", typeID)
		}
		entity, delta = e, d
		fmt.Printf("entity    %d\n", entity)
	case "inbound":
		typeID, d, err := gonet.ParseInbound(payload)
		if err != nil {
			return err
		}
		if comp = set.ByID(typeID); comp == nil {
			return fmt.Errorf("unknown component type %#08x", typeID)
		}
		delta = d
	case "raw":
		if compName == "" {
			return fmt.Errorf("-frame raw requires -component")
		}
		if comp = set.ByName(compName); comp == nil {
			return fmt.Errorf("unknown component %q", compName)
		}
		delta = payload
	default:
		return fmt.Errorf("unknown frame layout %q", frameKind)
	}

	fmt.Printf("component %s (type %#08x)\n", comp.Name, comp.TypeID)

	wireMask, err := trailingMask(&comp.Message, delta)
	if err != nil {
		return err
	}
	fmt.Printf("mask      %#016x\n", wireMask)

	v := replica.New(&comp.Message)
	if err := replica.Merge(v, delta); err != nil {
		return err
	}
	dump(os.Stdout, v, wireMask, 0)
	return nil
}

// readInput takes the frame either as a hex or base64 string argument, a
// file path, or raw bytes on stdin.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	arg := strings.TrimSpace(args[0])
	if data, err := hex.DecodeString(arg); err == nil {
		return data, nil
	}
	if data, err := base64.StdEncoding.DecodeString(arg); err == nil {
		return data, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("argument is neither hex, base64, nor a readable file: %w", err)
	}
	return data, nil
}

// trailingMask scans the buffer for the reserved trailing mask field.
func trailingMask(desc *schema.Message, data []byte) (uint64, error) {
	var mask uint64
	found := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, fmt.Errorf("malformed tag")
		}
		data = data[n:]
		if uint32(num) == desc.MaskFieldNumber() && typ == protowire.VarintType {
			m, vn := protowire.ConsumeVarint(data)
			if vn < 0 {
				return 0, fmt.Errorf("malformed mask varint")
			}
			mask, found = m, true
			data = data[vn:]
			continue
		}
		vn := protowire.ConsumeFieldValue(num, typ, data)
		if vn < 0 {
			return 0, fmt.Errorf("malformed field %d", num)
		}
		data = data[vn:]
	}
	if !found {
		return 0, fmt.Errorf("buffer carries no trailing mask")
	}
	return mask, nil
}

// dump prints every declared field of the decoded value, flagging the ones
// whose mask bit was carried on the wire.
func dump(w io.Writer, v *replica.Value, wireMask uint64, depth int) {
	desc := v.Descriptor()
	pad := strings.Repeat("  ", depth+1)
	for i := range desc.Fields {
		f := &desc.Fields[i]
		marker := " "
		if wireMask&replica.FieldBit(f.Number) != 0 {
			marker = "*"
		}
		switch f.Kind {
		case schema.KindBool:
			fmt.Fprintf(w, "%s%s %-2d %-16s %v\n", pad, marker, f.Number, f.Name, v.Bool(f.Number))
		case schema.KindU32:
			fmt.Fprintf(w, "%s%s %-2d %-16s %d\n", pad, marker, f.Number, f.Name, v.U32(f.Number))
		case schema.KindU64:
			fmt.Fprintf(w, "%s%s %-2d %-16s %d\n", pad, marker, f.Number, f.Name, v.U64(f.Number))
		case schema.KindS32:
			fmt.Fprintf(w, "%s%s %-2d %-16s %d\n", pad, marker, f.Number, f.Name, v.S32(f.Number))
		case schema.KindS64:
			fmt.Fprintf(w, "%s%s %-2d %-16s %d\n", pad, marker, f.Number, f.Name, v.S64(f.Number))
		case schema.KindF32:
			fmt.Fprintf(w, "%s%s %-2d %-16s %g\n", pad, marker, f.Number, f.Name, v.F32(f.Number))
		case schema.KindF64:
			fmt.Fprintf(w, "%s%s %-2d %-16s %g\n", pad, marker, f.Number, f.Name, v.F64(f.Number))
		case schema.KindString:
			fmt.Fprintf(w, "%s%s %-2d %-16s %q\n", pad, marker, f.Number, f.Name, v.String_(f.Number))
		case schema.KindBytes:
			fmt.Fprintf(w, "%s%s %-2d %-16s %x\n", pad, marker, f.Number, f.Name, v.Bytes(f.Number))
		case schema.KindMessage:
			sub := v.Msg(f.Number)
			if sub == nil {
				fmt.Fprintf(w, "%s%s %-2d %-16s <unset>\n", pad, marker, f.Number, f.Name)
				continue
			}
			fmt.Fprintf(w, "%s%s %-2d %-16s {\n", pad, marker, f.Number, f.Name)
			dump(w, sub, sub.Mask(), depth+1)
			fmt.Fprintf(w, "%s}\n", pad)
		case schema.KindMap:
			fmt.Fprintf(w, "%s%s %-2d %-16s %d entries\n", pad, marker, f.Number, f.Name, v.EntryLen(f.Number))
			v.EachEntry(f.Number, func(k replica.Key, e *replica.Value) {
				fmt.Fprintf(w, "%s  [%s] {\n", pad, keyString(f, k))
				dump(w, e, e.Mask(), depth+2)
				fmt.Fprintf(w, "%s  }\n", pad)
			})
		}
	}
}

func keyString(f *schema.Field, k replica.Key) string {
	if f.KeyKind == schema.KindString {
		return fmt.Sprintf("%q", k.S)
	}
	return fmt.Sprintf("%d", k.U)
}
