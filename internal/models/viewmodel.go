package models

// ViewModel is the client-assembled aggregate shown to a signed-in user.
type ViewModel struct {
	Identity  *Identity  `json:"identity"`
	Posts     []FeedPost `json:"posts"`
	Profile   *Profile   `json:"profile"`
	Favorites []Favorite `json:"favorites"`
}

// EmptyViewModel returns the cleared state used when no identity is present.
func EmptyViewModel() *ViewModel {
	return &ViewModel{
		Posts:     []FeedPost{},
		Favorites: []Favorite{},
	}
}

// Clone returns a copy whose slices can be read without holding the owner's lock.
func (vm *ViewModel) Clone() *ViewModel {
	if vm == nil {
		return EmptyViewModel()
	}
	out := &ViewModel{
		Posts:     append([]FeedPost(nil), vm.Posts...),
		Favorites: append([]Favorite(nil), vm.Favorites...),
	}
	if out.Posts == nil {
		out.Posts = []FeedPost{}
	}
	if out.Favorites == nil {
		out.Favorites = []Favorite{}
	}
	if vm.Identity != nil {
		id := *vm.Identity
		out.Identity = &id
	}
	if vm.Profile != nil {
		p := *vm.Profile
		out.Profile = &p
	}
	return out
}
