package server

type CreateProjectRequest struct {
	Title       string  `json:"title" minLength:"1" example:"Gearbox housing"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount" minimum:"0" example:"250"`
	Currency    string  `json:"currency,omitempty" example:"USD"`
	BuyerEmail  string  `json:"buyer_email" format:"email"`
	SellerEmail string  `json:"seller_email,omitempty" format:"email"`
	CreatedBy   string  `json:"created_by" enum:"buyer,seller"`
	Deadline    string  `json:"deadline,omitempty" format:"date-time"`
}

type UpdateProjectRequest struct {
	Title       *string  `json:"title,omitempty" minLength:"1"`
	Description *string  `json:"description,omitempty"`
	Amount      *float64 `json:"amount,omitempty" minimum:"0"`
	Currency    *string  `json:"currency,omitempty"`
	SellerEmail *string  `json:"seller_email,omitempty" format:"email"`
	Deadline    *string  `json:"deadline,omitempty" format:"date-time"`
}

type BuyerActionRequest struct {
	Action string `json:"action" enum:"approve,request_revision"`
}

type CredentialsRequest struct {
	Username string `json:"username" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
