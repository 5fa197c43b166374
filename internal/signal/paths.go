package signal

// Rendezvous tree schema:
//
//	calls/{callID}                      call record (object)
//	calls/{callID}/offer                {sdpType, sdpBody}, written once by the caller
//	calls/{callID}/answer               {sdpType, sdpBody}, written once by the callee
//	calls/{callID}/status               authoritative call phase
//	calls/{callID}/candidates/{uid}/{n} append-only candidate entries per participant
//	users/{userID}                      profile: name, email, avatar

const (
	CallsRoot = "calls"
	UsersRoot = "users"
)

func CallPath(callID string) string   { return CallsRoot + "/" + callID }
func OfferPath(callID string) string  { return CallsRoot + "/" + callID + "/offer" }
func AnswerPath(callID string) string { return CallsRoot + "/" + callID + "/answer" }
func StatusPath(callID string) string { return CallsRoot + "/" + callID + "/status" }

func CandidatesPath(callID, participantID string) string {
	return CallsRoot + "/" + callID + "/candidates/" + participantID
}

func CandidatePath(callID, participantID, autoID string) string {
	return CandidatesPath(callID, participantID) + "/" + autoID
}

func UserPath(userID string) string { return UsersRoot + "/" + userID }
