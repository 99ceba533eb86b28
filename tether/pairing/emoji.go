package pairing

// Symbol is an entry in the emoji pool shown during pairing.
type Symbol struct {
	Emoji       string
	Description string
	Category    string
}

func (s Symbol) String() string { return s.Emoji + " (" + s.Description + ")" }

var pool = []Symbol{
	{"😀", "grinning face", "faces"},
	{"😎", "smiling face with sunglasses", "faces"},
	{"🤔", "thinking face", "faces"},
	{"😊", "smiling face with smiling eyes", "faces"},
	{"🙃", "upside-down face", "faces"},

	{"🐱", "cat face", "animals"},
	{"🐶", "dog face", "animals"},
	{"🦊", "fox", "animals"},
	{"🐸", "frog", "animals"},
	{"🐧", "penguin", "animals"},

	{"🎮", "video game controller", "objects"},
	{"🔥", "fire", "objects"},
	{"⭐", "star", "objects"},
	{"🎯", "direct hit", "objects"},
	{"🚀", "rocket", "objects"},

	{"🍕", "pizza", "food"},
	{"🍔", "hamburger", "food"},
	{"🍎", "apple", "food"},
	{"☕", "hot beverage", "food"},
	{"🍰", "cake", "food"},

	{"🌟", "glowing star", "nature"},
	{"🌙", "crescent moon", "nature"},
	{"☀️", "sun", "nature"},
	{"🌈", "rainbow", "nature"},
	{"⚡", "lightning", "nature"},

	{"🎪", "circus tent", "activities"},
	{"🎨", "artist palette", "activities"},
	{"🎵", "musical note", "activities"},
	{"🎲", "game die", "activities"},
	{"🏆", "trophy", "activities"},
}

// Pool returns a copy of the emoji pool.
func Pool() []Symbol {
	return append([]Symbol(nil), pool...)
}

// Lookup finds a pool entry by its emoji.
func Lookup(emoji string) (Symbol, bool) {
	for _, s := range pool {
		if s.Emoji == emoji {
			return s, true
		}
	}
	return Symbol{}, false
}
