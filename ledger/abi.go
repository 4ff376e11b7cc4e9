package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TuringABI is the subset of the voting contract ABI used by the gateway.
const TuringABI = `[
  {"type":"function","name":"getAllAuthorizedUsers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getLoggedUser","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"votingEnabled","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"teacher","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"deployer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"vote","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"issueToken","stateMutability":"nonpayable","inputs":[{"name":"code","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"votingOn","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"votingOff","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"event","name":"OnVote","anonymous":false,"inputs":[{"name":"name","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

const (
	methodCandidates    = "getAllAuthorizedUsers"
	methodLoggedUser    = "getLoggedUser"
	methodVotingEnabled = "votingEnabled"
	methodTeacher       = "teacher"
	methodDeployer      = "deployer"
	methodVote          = "vote"
	methodIssueToken    = "issueToken"
	methodVotingOn      = "votingOn"
	methodVotingOff     = "votingOff"
	eventOnVote         = "OnVote"
)

var (
	turingOnce sync.Once
	turingABI  abi.ABI
	turingErr  error
)

// ParsedTuringABI returns the parsed contract ABI.
func ParsedTuringABI() (abi.ABI, error) {
	turingOnce.Do(func() {
		turingABI, turingErr = abi.JSON(strings.NewReader(TuringABI))
		if turingErr != nil {
			turingErr = fmt.Errorf("parse turing abi: %w", turingErr)
		}
	})
	return turingABI, turingErr
}
