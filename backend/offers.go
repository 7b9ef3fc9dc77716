package backend

import (
	"context"
	"fmt"
	"net/url"
)

// Location represents a point on the map
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Zoom      int     `json:"zoom"`
}

// City represents the city an offer is located in
type City struct {
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

// User represents a host or a review author
type User struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsPro     bool   `json:"isPro"`
	AvatarURL string `json:"avatarUrl"`
}

// Offer is the summary of a listing shown on cards
type Offer struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Type         string  `json:"type"`
	Price        float64 `json:"price"`
	IsPremium    bool    `json:"isPremium"`
	IsFavorite   bool    `json:"isFavorite"`
	Rating       float64 `json:"rating"`
	PreviewImage string  `json:"previewImage"`
	City         *City   `json:"city,omitempty"`
}

// FullOffer is a listing with all its details
type FullOffer struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Type         string   `json:"type"`
	Price        float64  `json:"price"`
	City         City     `json:"city"`
	Location     Location `json:"location"`
	IsFavorite   bool     `json:"isFavorite"`
	IsPremium    bool     `json:"isPremium"`
	Rating       float64  `json:"rating"`
	Description  string   `json:"description"`
	Bedrooms     int      `json:"bedrooms"`
	Goods        []string `json:"goods"`
	Host         User     `json:"host"`
	Images       []string `json:"images"`
	MaxAdults    int      `json:"maxAdults"`
	PreviewImage string   `json:"previewImage"`
}

// Review is a guest review of a listing
type Review struct {
	ID      string  `json:"id"`
	Date    string  `json:"date"`
	User    User    `json:"user"`
	Comment string  `json:"comment"`
	Rating  float64 `json:"rating"`
}

// ReviewInput is the body of a new review
type ReviewInput struct {
	Comment string `json:"comment"`
	Rating  int    `json:"rating"`
}

// Offers returns all listings
func (c *Client) Offers(ctx context.Context) ([]Offer, error) {
	offers := []Offer{}
	err := c.get(ctx, "/offers", &offers)
	return offers, err
}

// Offer returns the listing with id
func (c *Client) Offer(ctx context.Context, id string) (*FullOffer, error) {
	offer := &FullOffer{}
	err := c.get(ctx, "/offers/"+url.PathEscape(id), offer)
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// Favorites returns the listings the current user marked as favorite
func (c *Client) Favorites(ctx context.Context) ([]Offer, error) {
	offers := []Offer{}
	err := c.get(ctx, "/offers/favorite", &offers)
	return offers, err
}

// SetFavorite adds or removes the listing with id from the favorites
func (c *Client) SetFavorite(ctx context.Context, id string, favorite bool) (*FullOffer, error) {
	status := 0
	if favorite {
		status = 1
	}
	offer := &FullOffer{}
	err := c.post(ctx, fmt.Sprintf("/offers/favorite/%s/%d", url.PathEscape(id), status), nil, offer)
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// Reviews returns the reviews of the listing with id
func (c *Client) Reviews(ctx context.Context, offerID string) ([]Review, error) {
	reviews := []Review{}
	err := c.get(ctx, "/reviews/"+url.PathEscape(offerID), &reviews)
	return reviews, err
}

// PostReview adds a review to the listing with id
func (c *Client) PostReview(ctx context.Context, offerID string, in ReviewInput) (*Review, error) {
	review := &Review{}
	err := c.post(ctx, "/reviews/"+url.PathEscape(offerID), in, review)
	if err != nil {
		return nil, err
	}
	return review, nil
}

// Logout ends the session of the current token
func (c *Client) Logout(ctx context.Context) error {
	return c.delete(ctx, "/users/logout")
}
