package codec

// NormalizeFunctionSignature removes all whitespace from a function signature except a
// single space between two identifier characters that were separated by whitespace, so
// "doIt ( int )" and "doIt(int)" compare equal while "unsigned  int" keeps one space.
//
// Senders normalize before transmission; receivers use the wire value verbatim as the
// dispatch key.
func NormalizeFunctionSignature(sig string) string {
	if sig == "" {
		return ""
	}
	out := make([]byte, 0, len(sig))
	var last byte
	i := 0
	for {
		for i < len(sig) && isSpace(sig[i]) {
			i++
		}
		if i == len(sig) {
			break
		}
		if last != 0 && isIdentChar(last) && isIdentChar(sig[i]) {
			out = append(out, ' ')
		}
		for i < len(sig) && !isSpace(sig[i]) {
			last = sig[i]
			out = append(out, last)
			i++
		}
	}
	return string(out)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
