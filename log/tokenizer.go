package log

import "fmt"

type token struct {
	key, value string
	inside     rune // shows whether it's inside a given collection, currently [ means it's an array
}

// tokenize splits a `key=value,key2=[v1,v2]` configuration line.
func tokenize(line string) ([]token, error) {
	var (
		tokens []token
		start  int
		key    string
		inside rune
	)
	for i := 0; i <= len(line); i++ {
		var c byte
		if i < len(line) {
			c = line[i]
		}
		switch {
		case key == "" && c == '=':
			key = line[start:i]
			start = i + 1
			if start < len(line) && line[start] == '[' {
				inside = '['
				start++
				end := start
				for end < len(line) && line[end] != ']' {
					end++
				}
				if end == len(line) {
					return nil, fmt.Errorf("array value for key `%s` is not closed", key)
				}
				tokens = append(tokens, token{key: key, value: line[start:end], inside: inside})
				key, inside = "", 0
				i = end + 1
				start = i + 1
			}
		case i == len(line) || c == ',':
			if key == "" {
				if i > start {
					return nil, fmt.Errorf("key `%s` with no value", line[start:i])
				}
				start = i + 1
				continue
			}
			if i == start {
				return nil, fmt.Errorf("key `%s=` with no value", key)
			}
			tokens = append(tokens, token{key: key, value: line[start:i]})
			key = ""
			start = i + 1
		}
	}

	return tokens, nil
}
