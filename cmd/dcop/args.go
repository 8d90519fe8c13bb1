package main

import (
	"encoding/hex"
	"fmt"
	"mini-dcop/codec"
	"strconv"
	"strings"
)

// encodeArgs marshals the command line arguments according to the parameter types of sig.
func encodeArgs(sig string, args []string) (string, []byte, error) {
	sig = codec.NormalizeFunctionSignature(sig)
	open, end := strings.IndexByte(sig, '('), strings.LastIndexByte(sig, ')')
	if open <= 0 || end < open {
		return "", nil, fmt.Errorf("malformed function %q", sig)
	}
	var types []string
	if params := sig[open+1 : end]; params != "" {
		types = strings.Split(params, ",")
	}
	if len(types) != len(args) {
		return "", nil, fmt.Errorf("%s takes %d arguments, got %d", sig, len(types), len(args))
	}

	w := codec.NewWriter()
	for i, typ := range types {
		arg := args[i]
		switch typ {
		case "int", "long", "uint", "ulong":
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return "", nil, fmt.Errorf("argument %d: %w", i+1, err)
			}
			w.PutInt32(int32(n))
		case "bool":
			b, err := strconv.ParseBool(arg)
			if err != nil {
				return "", nil, fmt.Errorf("argument %d: %w", i+1, err)
			}
			w.PutBool(b)
		case "QString", "QCString", "const QString&", "const QCString&":
			w.PutString(arg)
		case "QStringList", "QCStringList":
			w.PutStringList(strings.Split(arg, ","))
		default:
			return "", nil, fmt.Errorf("argument %d: unsupported type %s", i+1, typ)
		}
	}
	return sig, w.Bytes(), nil
}

// decodeReply renders a reply for the terminal. Unknown types are printed as hex.
func decodeReply(replyType string, data []byte) (string, error) {
	r := codec.NewReader(data)
	switch replyType {
	case "void", "":
		return "", nil
	case "int", "long":
		n, err := r.Int32()
		return strconv.Itoa(int(n)), err
	case "uint", "ulong":
		n, err := r.Uint32()
		return strconv.FormatUint(uint64(n), 10), err
	case "bool":
		b, err := r.Bool()
		return strconv.FormatBool(b), err
	case "QString", "QCString":
		return r.String()
	case "QStringList", "QCStringList":
		list, err := r.StringList()
		return strings.Join(list, "\n"), err
	case "DCOPRef":
		app, err := r.String()
		if err != nil {
			return "", err
		}
		obj, err := r.String()
		return "DCOPRef(" + app + "," + obj + ")", err
	}
	return replyType + " " + hex.EncodeToString(data), nil
}
