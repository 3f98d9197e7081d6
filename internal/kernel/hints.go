package kernel

// aliases are tokens people reach for that mean a registered command.
var aliases = map[string]string{
	"%reboot":     "%rebootdevice",
	"%sendbytes":  "%writebytes",
	"%savetofile": "%sendtofile",
	"%savefile":   "%sendtofile",
	"%sendfile":   "%sendtofile",
}

// maxHintDistance is the largest edit distance still treated as a typo.
const maxHintDistance = 2

// suggest returns the registered command a mistyped token most likely
// meant, or "".
func (it *Interpreter) suggest(token string) string {
	if name, ok := aliases[token]; ok {
		return name
	}
	best, bestDist := "", maxHintDistance+1
	for _, c := range it.order {
		if d := editDistance(token, c.Name); d < bestDist {
			best, bestDist = c.Name, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
