package postbox

import "strings"

// Peer is a contact record from the peer table, decoded generically. The
// table keys peers by a decimal-string id; the value's root object carries
// short field names (fn/ln/un/ph).
type Peer struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`

	// Unknown marks a negative cache entry: the peer id was looked up but no
	// record exists. ParseError marks a record that exists but failed to
	// decode.
	Unknown    bool `json:"unknown,omitempty"`
	ParseError bool `json:"parseError,omitempty"`
}

// DecodePeer decodes a peer-table value for the given peer id.
func DecodePeer(id int64, data []byte) (*Peer, error) {
	obj, ok, err := NewDecoder(data).DecodeRootObject()
	if err != nil {
		return nil, err
	}
	peer := &Peer{ID: id}
	if !ok {
		return peer, nil
	}
	if generic, isGeneric := obj.(*GenericObject); isGeneric {
		peer.FirstName, _ = generic.GetString("fn")
		peer.LastName, _ = generic.GetString("ln")
		peer.Username, _ = generic.GetString("un")
		peer.Phone, _ = generic.GetString("ph")
	}
	return peer, nil
}

// DisplayName joins the name parts, falling back to username, phone, then a
// bare id marker.
func (p *Peer) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	switch {
	case name != "":
		return name
	case p.Username != "":
		return "@" + p.Username
	case p.Phone != "":
		return p.Phone
	default:
		return "<unknown>"
	}
}

// Matches reports whether the peer matches a case-insensitive name or
// username query.
func (p *Peer) Matches(query string) bool {
	q := strings.ToLower(query)
	return q != "" && (strings.Contains(strings.ToLower(p.FirstName), q) ||
		strings.Contains(strings.ToLower(p.LastName), q) ||
		strings.Contains(strings.ToLower(p.Username), q))
}
