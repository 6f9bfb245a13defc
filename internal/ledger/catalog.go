package ledger

type VoteState string

const (
	Unresolved VoteState = "unresolved"
	Partial    VoteState = "partial"
	Resolved   VoteState = "resolved"
)

type ReactionType string

const (
	Support ReactionType = "support"
	Neutral ReactionType = "neutral"
	Oppose  ReactionType = "oppose"
)

var (
	voteStates    = []VoteState{Unresolved, Partial, Resolved}
	reactionTypes = []ReactionType{Support, Neutral, Oppose}
)

var categories = []string{"suggestion", "insight", "other"}

var postKinds = []string{"feedback", "co-creation", "other"}

var topics = []string{"education", "labor", "culture", "information-security", "digital-inclusion", "other"}

func Categories() []string { return append([]string(nil), categories...) }
func PostKinds() []string  { return append([]string(nil), postKinds...) }
func Topics() []string     { return append([]string(nil), topics...) }

func ValidCategory(v string) bool { return contains(categories, v) }
func ValidPostKind(v string) bool { return contains(postKinds, v) }
func ValidTopic(v string) bool    { return contains(topics, v) }

func ValidVoteState(v VoteState) bool       { return contains(voteStates, v) }
func ValidReactionType(v ReactionType) bool { return contains(reactionTypes, v) }

func contains[S comparable](set []S, v S) bool {
	for _, candidate := range set {
		if candidate == v {
			return true
		}
	}
	return false
}
