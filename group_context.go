package mls

// GroupContext is the tuple mutated only at epoch boundaries by Commit
// (spec.md §3). Its serialized form binds every KDF-expand call and
// every authenticated content.
type GroupContext struct {
	Version                  ProtocolVersion
	CipherSuite               CipherSuite
	GroupID                   []byte `tls:"head=1"`
	Epoch                     uint64
	TreeHash                  []byte `tls:"head=1"`
	ConfirmedTranscriptHash   []byte `tls:"head=1"`
	Extensions                ExtensionList
}

func (c GroupContext) bytes() []byte {
	return mustMarshal(&c)
}

// transcript tracks the two running hashes described in spec.md §3:
// confirmed_{n+1} = H(interim_n || framed_content_without_auth) and
// interim_{n+1} = H(confirmed_{n+1} || confirmation_tag). The initial
// interim hash is empty.
type transcript struct {
	confirmed []byte
	interim   []byte
}

func newTranscript() transcript {
	return transcript{confirmed: []byte{}, interim: []byte{}}
}

// advanceConfirmed computes confirmed_{n+1} from the current interim
// hash and the Commit's framed content with its auth data stripped.
func (t transcript) advanceConfirmed(suite CipherSuiteProvider, framedContentWithoutAuth []byte) []byte {
	return suite.Hash(append(dup(t.interim), framedContentWithoutAuth...))
}

// advanceInterim computes interim_{n+1} from a freshly computed
// confirmed_{n+1} and the commit's confirmation tag.
func advanceInterim(suite CipherSuiteProvider, confirmed []byte, confirmationTag ConfirmationTag) []byte {
	tagBytes := mustMarshal(&confirmationTag)
	return suite.Hash(append(dup(confirmed), tagBytes...))
}
